package api

import "github.com/example/wa-gateway/internal/models"

// Response is the body of every send and control endpoint.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type textRequest struct {
	Phone   string `json:"phone"`
	Session string `json:"session"`
	Text    string `json:"text"`
}

// imageRequest carries either a URL or base64 encoded bytes.
type imageRequest struct {
	Phone   string `json:"phone"`
	Session string `json:"session"`
	URL     string `json:"url"`
	Data    []byte `json:"data"`
	Caption string `json:"caption"`
}

type videoRequest struct {
	Phone   string `json:"phone"`
	Session string `json:"session"`
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

type audioRequest struct {
	Phone      string `json:"phone"`
	Session    string `json:"session"`
	URL        string `json:"url"`
	ForceVoice bool   `json:"force_voice"`
}

type locationRequest struct {
	Phone     string   `json:"phone"`
	Session   string   `json:"session"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Name      string   `json:"name"`
	Address   string   `json:"address"`
}

type dispatchesResponse struct {
	Dispatches []models.DispatchRecord `json:"dispatches"`
}
