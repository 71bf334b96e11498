package webhook

import (
	"github.com/example/wa-gateway/internal/models"
)

// requestItem is the single element of the webhook request body. Media lives
// under a kind-specific field; fields for other kinds are omitted entirely.
type requestItem struct {
	Role    string             `json:"role"`
	Content string             `json:"content"`
	Type    models.PayloadKind `json:"type"`
	Images  [][]byte           `json:"images,omitempty"`
	Audios  [][]byte           `json:"audios,omitempty"`
}

func buildRequest(batch models.Batch) []requestItem {
	item := requestItem{
		Role:    "user",
		Content: batch.CombinedText,
		Type:    batch.DominantKind,
	}
	switch batch.DominantKind {
	case models.KindImage:
		item.Images = batch.MediaFor(models.KindImage)
	case models.KindAudio:
		item.Audios = batch.MediaFor(models.KindAudio)
	}
	return []requestItem{item}
}
