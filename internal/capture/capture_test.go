package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"rstrack/internal/model"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type stubCamera struct {
	photo Photo
	err   error
}

func (c stubCamera) Capture(context.Context) (Photo, error) { return c.photo, c.err }

type stubGeocoder struct {
	addr string
	err  error
}

func (g stubGeocoder) Reverse(context.Context, float64, float64) (string, error) { return g.addr, g.err }

func fixedNow() time.Time {
	return time.Date(2024, 1, 7, 1, 30, 15, 0, time.UTC)
}

func TestAcquireFillsRecord(t *testing.T) {
	loc := time.FixedZone("PHT", 8*60*60)
	a := &Acquirer{
		Camera:   stubCamera{photo: Photo{Data: testPNG(t, 8, 8), GPS: &GPS{Latitude: 14.5995, Longitude: 120.9842}}},
		Geocoder: stubGeocoder{addr: "Ermita, Manila"},
		Location: loc,
		Now:      fixedNow,
	}

	rec, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if rec.Location != "Ermita, Manila" {
		t.Errorf("Location = %q", rec.Location)
	}
	if rec.CapturedAt != "09:30:15" {
		t.Errorf("CapturedAt = %q, want 09:30:15", rec.CapturedAt)
	}
	if !strings.HasPrefix(rec.Image, "data:image/jpeg;base64,") {
		t.Errorf("Image is not a jpeg data URI: %.40s", rec.Image)
	}
	id, err := uuid.Parse(rec.UUID)
	if err != nil || id.Version() != 4 {
		t.Errorf("UUID %q is not a v4 uuid (err=%v)", rec.UUID, err)
	}
}

func TestAcquireDefaultsToManilaTime(t *testing.T) {
	a := &Acquirer{
		Camera: stubCamera{photo: Photo{Data: testPNG(t, 8, 8)}},
		Now:    fixedNow,
	}
	rec, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.CapturedAt != "09:30:15" {
		t.Fatalf("CapturedAt = %q, want Manila wall clock 09:30:15", rec.CapturedAt)
	}
}

func TestAcquireLocationFallbacks(t *testing.T) {
	data := testPNG(t, 4, 4)
	gps := &GPS{Latitude: 14.5995, Longitude: 120.9842}

	tests := []struct {
		name     string
		gps      *GPS
		geocoder Geocoder
		want     string
	}{
		{"no gps", nil, stubGeocoder{addr: "unused"}, model.LocationUnavailable},
		{"geocoder error", gps, stubGeocoder{err: errors.New("offline")}, "14.599500, 120.984200"},
		{"empty address", gps, stubGeocoder{addr: "  "}, "14.599500, 120.984200"},
		{"no geocoder", gps, nil, "14.599500, 120.984200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Acquirer{
				Camera:   stubCamera{photo: Photo{Data: data, GPS: tt.gps}},
				Geocoder: tt.geocoder,
				Now:      fixedNow,
			}
			rec, err := a.Acquire(context.Background())
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if rec.Location != tt.want {
				t.Fatalf("Location = %q, want %q", rec.Location, tt.want)
			}
		})
	}
}

func TestAcquireCameraErrors(t *testing.T) {
	a := &Acquirer{Camera: stubCamera{err: errors.New("permission denied")}}
	if _, err := a.Acquire(context.Background()); err == nil {
		t.Fatal("expected camera error")
	}

	a = &Acquirer{Camera: stubCamera{photo: Photo{}}}
	if _, err := a.Acquire(context.Background()); err == nil {
		t.Fatal("expected empty photo error")
	}

	a = &Acquirer{Camera: stubCamera{photo: Photo{Data: []byte("not an image")}}}
	if _, err := a.Acquire(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestProcessorDownscales(t *testing.T) {
	p := &Processor{MaxWidth: 16, Format: FormatJPEG, Quality: 70}
	out, mime, err := p.Encode(testPNG(t, 64, 32))
	if err != nil {
		t.Fatal(err)
	}
	if mime != "image/jpeg" {
		t.Fatalf("mime = %q", mime)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if got := img.Bounds().Dx(); got != 16 {
		t.Fatalf("width = %d, want 16", got)
	}
	if got := img.Bounds().Dy(); got != 8 {
		t.Fatalf("height = %d, want 8", got)
	}
}

func TestProcessorWebP(t *testing.T) {
	p := &Processor{Format: FormatWebP, Quality: 75}
	uri, err := p.DataURI(testPNG(t, 8, 8))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(uri, "data:image/webp;base64,") {
		t.Fatalf("unexpected data URI prefix: %.40s", uri)
	}
}

func TestFileCameraReadsSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proof.png")
	if err := os.WriteFile(path, testPNG(t, 4, 4), 0o600); err != nil {
		t.Fatal(err)
	}

	photo, err := FileCamera{Path: path}.Capture(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if photo.GPS != nil {
		t.Fatal("expected no GPS without sidecar")
	}

	if err := os.WriteFile(path+".gps.json", []byte(`{"latitude":14.5,"longitude":121.0}`), 0o600); err != nil {
		t.Fatal(err)
	}
	photo, err = FileCamera{Path: path}.Capture(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if photo.GPS == nil || photo.GPS.Latitude != 14.5 || photo.GPS.Longitude != 121.0 {
		t.Fatalf("GPS = %+v", photo.GPS)
	}
}

func TestHTTPGeocoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("lat") != "14.599500" || r.Header.Get("User-Agent") != "rstrack-test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"display_name":"Rizal Park, Manila"}`))
	}))
	defer srv.Close()

	g := NewHTTPGeocoder(srv.URL+"/", "rstrack-test")
	addr, err := g.Reverse(context.Background(), 14.5995, 120.9842)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "Rizal Park, Manila" {
		t.Fatalf("addr = %q", addr)
	}
}
