package typing

// Stats summarizes a series of millisecond intervals.
type Stats struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
}

// Features are the timing signals derived from consecutive key transitions.
// Dwell is keydown to the matching keyup of the same key; flight is a keyup
// to the next keydown.
type Features struct {
	Events int   `json:"events"`
	Dwell  Stats `json:"dwell"`
	Flight Stats `json:"flight"`
	dwells []float64
	flight []float64
}

// Dwells returns the individual dwell times in pairing order.
func (f Features) Dwells() []float64 { return f.dwells }

// Flights returns the individual flight times in order.
func (f Features) Flights() []float64 { return f.flight }

// ExtractFeatures walks events in order. A repeated keydown without a keyup
// (auto-repeat) keeps the first press time; a keyup with no open press is
// ignored for dwell.
func ExtractFeatures(events []Event) Features {
	f := Features{Events: len(events)}
	open := make(map[string]int64)
	var lastUp int64
	haveUp := false

	for _, ev := range events {
		if ev.Keydown {
			if _, pressed := open[ev.Key]; !pressed {
				open[ev.Key] = ev.Timestamp
			}
			if haveUp {
				f.flight = append(f.flight, float64(ev.Timestamp-lastUp))
				haveUp = false
			}
			continue
		}
		if down, pressed := open[ev.Key]; pressed {
			f.dwells = append(f.dwells, float64(ev.Timestamp-down))
			delete(open, ev.Key)
		}
		lastUp = ev.Timestamp
		haveUp = true
	}

	f.Dwell = summarize(f.dwells)
	f.Flight = summarize(f.flight)
	return f
}

func summarize(values []float64) Stats {
	s := Stats{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	s.Mean = sum / float64(len(values))
	acc := 0.0
	for _, v := range values {
		acc += (v - s.Mean) * (v - s.Mean)
	}
	s.Variance = acc / float64(len(values))
	return s
}
