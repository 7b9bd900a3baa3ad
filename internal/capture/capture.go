package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "rstrack/internal/log"
	"rstrack/internal/model"
	"rstrack/internal/status"
)

// GPS is a coordinate pair taken from the photo's EXIF data or the device.
type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// String renders the raw coordinate fallback used when reverse geocoding
// is not possible.
func (g GPS) String() string {
	return fmt.Sprintf("%.6f, %.6f", g.Latitude, g.Longitude)
}

// Photo is what the camera collaborator hands back.
type Photo struct {
	Data []byte
	// GPS is nil when the capture carried no location data.
	GPS *GPS
}

// Camera acquires a photo. Implementations may block on user interaction.
type Camera interface {
	Capture(ctx context.Context) (Photo, error)
}

// Geocoder turns coordinates into a human-readable address.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (string, error)
}

// Acquirer turns a camera shot into a CaptureRecord ready for upload.
type Acquirer struct {
	Camera    Camera
	Geocoder  Geocoder // optional
	Processor *Processor
	// Location is the zone CapturedAt is written in. Nil means DefaultTimezone.
	Location *time.Location
	Now       func() time.Time
	// GeocodeTimeout bounds reverse geocoding. Zero means 10s.
	GeocodeTimeout time.Duration
}

// Acquire captures a photo and fills in location, capture time and a fresh
// UUIDv4. Only camera and encoding failures are returned; location problems
// degrade to a placeholder.
func (a *Acquirer) Acquire(ctx context.Context) (model.CaptureRecord, error) {
	if a.Camera == nil {
		return model.CaptureRecord{}, errors.New("capture: no camera configured")
	}

	photo, err := a.Camera.Capture(ctx)
	if err != nil {
		return model.CaptureRecord{}, fmt.Errorf("capture: camera: %w", err)
	}
	if len(photo.Data) == 0 {
		return model.CaptureRecord{}, errors.New("capture: camera returned an empty photo")
	}

	proc := a.Processor
	if proc == nil {
		proc = DefaultProcessor()
	}
	dataURI, err := proc.DataURI(photo.Data)
	if err != nil {
		return model.CaptureRecord{}, err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return model.CaptureRecord{}, fmt.Errorf("capture: uuid: %w", err)
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	loc := a.Location
	if loc == nil {
		loc = status.LoadLocation(status.DefaultTimezone)
	}

	return model.CaptureRecord{
		Image:      dataURI,
		Location:   a.describeLocation(ctx, photo.GPS),
		CapturedAt: now().In(loc).Format("15:04:05"),
		UUID:       id.String(),
	}, nil
}

func (a *Acquirer) describeLocation(ctx context.Context, gps *GPS) string {
	if gps == nil {
		return model.LocationUnavailable
	}
	if a.Geocoder == nil {
		return gps.String()
	}

	timeout := a.GeocodeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, err := a.Geocoder.Reverse(gctx, gps.Latitude, gps.Longitude)
	if err != nil || strings.TrimSpace(addr) == "" {
		if err == nil {
			err = errors.New("empty address")
		}
		appLog.Warn("reverse geocoding failed; using coordinates", "reason", err.Error(), "coords", gps.String())
		return gps.String()
	}
	return addr
}

// FileCamera "captures" an existing image file. GPS is read from a JSON
// sidecar next to the photo ("<photo>.gps.json") when present.
type FileCamera struct {
	Path string
}

func (c FileCamera) Capture(ctx context.Context) (Photo, error) {
	if err := ctx.Err(); err != nil {
		return Photo{}, err
	}
	if c.Path == "" {
		return Photo{}, errors.New("no photo path")
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return Photo{}, err
	}

	photo := Photo{Data: data}
	if raw, err := os.ReadFile(c.Path + ".gps.json"); err == nil {
		var g GPS
		if err := json.Unmarshal(raw, &g); err != nil {
			appLog.Warn("ignoring unreadable gps sidecar", "path", c.Path+".gps.json", "reason", err.Error())
		} else {
			photo.GPS = &g
		}
	}
	return photo, nil
}
