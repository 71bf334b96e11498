package webhook

import (
	"time"
	"unicode/utf8"
)

// Pacing simulates human typing before a reply is sent.
type Pacing struct {
	Base    time.Duration
	PerChar time.Duration
	Max     time.Duration
}

// DefaultPacing is 800ms plus 30ms per character, capped at 4s.
func DefaultPacing() Pacing {
	return Pacing{Base: 800 * time.Millisecond, PerChar: 30 * time.Millisecond, Max: 4 * time.Second}
}

// Delay returns the typing delay for text, clamped to [Base, Max].
func (p Pacing) Delay(text string) time.Duration {
	d := p.Base + p.PerChar*time.Duration(utf8.RuneCountInString(text))
	if d > p.Max {
		d = p.Max
	}
	if d < p.Base {
		d = p.Base
	}
	return d
}
