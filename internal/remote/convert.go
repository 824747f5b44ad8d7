package remote

import (
	"time"

	"github.com/njoerd114/fieldsync/internal/model"
)

// Backend endpoints, relative to the API base URL.
const (
	pathMeterSync   = "/meters/sync"
	pathReadingSync = "/readings/sync"
	pathReadings    = "/readings"
	pathImages      = "/images"
	pathHealth      = "/health"

	paramLastSync = "lastSync"
)

// wireMeter is the JSON shape of a meter returned by GET /meters/sync.
type wireMeter struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	Unit       string    `json:"unit"`
	EnergyName string    `json:"energyName"`
	Type       string    `json:"type,omitempty"` // older servers
	Notes      string    `json:"notes"`
	ImagePath  string    `json:"imagePath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// wireReading is the JSON shape of a reading returned by GET /readings/sync.
type wireReading struct {
	ID             string    `json:"id"`
	MeterID        string    `json:"meterId"`
	Value          float64   `json:"value"`
	CreatedAt      time.Time `json:"createdAt"`
	ImagePath      *string   `json:"imagePath"`
	TechnicianID   string    `json:"technicianId,omitempty"`
	TechnicianName string    `json:"technicianName,omitempty"`
}

// CreateReadingRequest is the payload of POST /readings.
type CreateReadingRequest struct {
	ID        string    `json:"id"`
	MeterID   string    `json:"meterId"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	// ImagePath is the uploaded photo URL, or nil for readings without one.
	ImagePath *string `json:"imagePath"`
}

// CreateReadingResponse is the server acknowledgement. CreatedAt is
// authoritative and becomes the local synched_at.
type CreateReadingResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// uploadResponse is returned by POST /images.
type uploadResponse struct {
	OutURL string `json:"outUrl"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

func wireMeterToModel(w wireMeter) model.Meter {
	energy := w.EnergyName
	if energy == "" {
		energy = w.Type
	}
	return model.Meter{
		ID:         w.ID,
		Name:       w.Name,
		Location:   w.Location,
		Unit:       w.Unit,
		EnergyName: energy,
		Notes:      w.Notes,
		ImagePath:  w.ImagePath,
		CreatedAt:  w.CreatedAt.UTC(),
	}
}

func wireReadingToModel(w wireReading) model.Reading {
	r := model.Reading{
		ID:             w.ID,
		MeterID:        w.MeterID,
		Value:          w.Value,
		CreatedAt:      w.CreatedAt.UTC(),
		TechnicianID:   w.TechnicianID,
		TechnicianName: w.TechnicianName,
	}
	if w.ImagePath != nil {
		r.ImagePath = *w.ImagePath
	}
	return r
}

// NewCreateReadingRequest builds the push payload for a pending reading.
// imageURL is the uploaded photo URL or empty.
func NewCreateReadingRequest(r *model.Reading, imageURL string) CreateReadingRequest {
	req := CreateReadingRequest{
		ID:        r.ID,
		MeterID:   r.MeterID,
		Value:     r.Value,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if imageURL != "" {
		req.ImagePath = &imageURL
	}
	return req
}
