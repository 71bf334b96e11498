package models

import (
	"strings"
	"time"
)

// Batch is the immutable snapshot dispatched for one burst of a conversation.
type Batch struct {
	ConversationID  string
	Session         string
	CombinedText    string
	DominantKind    PayloadKind
	Media           map[PayloadKind][][]byte
	UnitCount       int
	FirstReceivedAt time.Time
	LastReceivedAt  time.Time
}

// NewBatch merges units, oldest first, into a Batch. Text fragments are
// joined with a newline (non-text units contribute an empty fragment). Only
// media matching the dominant kind is kept; everything else is dropped.
func NewBatch(units []InboundUnit) Batch {
	if len(units) == 0 {
		return Batch{DominantKind: KindText}
	}

	first := units[0]
	batch := Batch{
		ConversationID:  first.ConversationID,
		Session:         first.Session,
		UnitCount:       len(units),
		FirstReceivedAt: first.ReceivedAt,
		LastReceivedAt:  units[len(units)-1].ReceivedAt,
	}

	fragments := make([]string, 0, len(units))
	for _, u := range units {
		if u.Kind == KindText {
			fragments = append(fragments, u.Text)
		} else {
			fragments = append(fragments, "")
		}
	}
	batch.CombinedText = strings.Join(fragments, "\n")
	batch.DominantKind = ResolveDominantKind(units)

	if batch.DominantKind.CarriesMedia() {
		var media [][]byte
		for _, u := range units {
			if u.Kind != batch.DominantKind || len(u.Media) == 0 {
				continue
			}
			media = append(media, u.Media)
		}
		if len(media) > 0 {
			batch.Media = map[PayloadKind][][]byte{batch.DominantKind: media}
		}
	}

	return batch
}

// ResolveDominantKind returns the highest ranked kind present, independent of
// arrival order.
func ResolveDominantKind(units []InboundUnit) PayloadKind {
	dominant := KindText
	for _, u := range units {
		if u.Kind.rank() > dominant.rank() {
			dominant = u.Kind
		}
	}
	return dominant
}

// MediaFor returns the media collected for kind, or nil.
func (b Batch) MediaFor(kind PayloadKind) [][]byte {
	if b.Media == nil {
		return nil
	}
	return b.Media[kind]
}
