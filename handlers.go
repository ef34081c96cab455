package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	cogerrors "github.com/akhenakh/cogtile/errors"
	"github.com/akhenakh/cogtile/locator"
	"github.com/akhenakh/cogtile/tilemath"
)

type locationResponse struct {
	Z         uint32 `json:"z"`
	X         uint32 `json:"x"`
	Y         uint32 `json:"y"`
	Scale     int    `json:"scale"`
	Level     int    `json:"level"`
	TileIndex uint64 `json:"tileIndex"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
	Length    uint64 `json:"length"`
	// Bounds is [west, south, east, north] in degrees.
	Bounds [4]float64 `json:"bounds"`
}

type levelResponse struct {
	Index  int    `json:"index"`
	Width  uint64 `json:"width"`
	Height uint64 `json:"height"`
	Tiled  bool   `json:"tiled"`
	Mask   bool   `json:"mask"`
	Scale  int    `json:"scale"`
}

type levelsResponse struct {
	Source  string          `json:"source"`
	BigTIFF bool            `json:"bigTiff"`
	Scales  []int           `json:"scales"`
	Levels  []levelResponse `json:"levels"`
}

func newLocationResponse(loc *locator.Location) locationResponse {
	return locationResponse{
		Z: loc.Tile.Z, X: loc.Tile.X, Y: loc.Tile.Y,
		Scale:     loc.Scale,
		Level:     loc.Level,
		TileIndex: loc.TileIndex,
		Start:     loc.Range.Start,
		End:       loc.Range.End,
		Length:    loc.Range.Len(),
		Bounds: [4]float64{
			loc.Bounds.Min.Lon(), loc.Bounds.Min.Lat(),
			loc.Bounds.Max.Lon(), loc.Bounds.Max.Lat(),
		},
	}
}

func newTileMux(logger *slog.Logger, loc *locator.Locator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tile/{z}/{x}/{y}", getTileHandler(logger, loc))
	mux.HandleFunc("GET /locate/{lat}/{lon}/{zoom}", getLocateHandler(logger, loc))
	mux.HandleFunc("GET /levels", getLevelsHandler(logger, loc))
	return mux
}

func getTileHandler(logger *slog.Logger, loc *locator.Locator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tile, err := parseTile(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		scale, err := parseScale(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		location, res, err := loc.FetchTile(r.Context(), tile, scale)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Payload)))
		w.Header().Set("X-Cog-Level", strconv.Itoa(location.Level))
		w.Header().Set("X-Cog-Scale", strconv.Itoa(location.Scale))
		w.Header().Set("X-Cog-Tile-Index", strconv.FormatUint(location.TileIndex, 10))
		w.Header().Set("X-Cog-Range", location.Range.String())
		w.Write(res.Payload)
	}
}

func getLocateHandler(logger *slog.Logger, loc *locator.Locator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lat, err := strconv.ParseFloat(r.PathValue("lat"), 64)
		if err != nil {
			http.Error(w, "Invalid latitude", http.StatusBadRequest)
			return
		}
		lon, err := strconv.ParseFloat(r.PathValue("lon"), 64)
		if err != nil {
			http.Error(w, "Invalid longitude", http.StatusBadRequest)
			return
		}
		zoom, err := strconv.ParseUint(r.PathValue("zoom"), 10, 32)
		if err != nil {
			http.Error(w, "Invalid zoom", http.StatusBadRequest)
			return
		}
		scale, err := parseScale(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		location, err := loc.Locate(r.Context(), tilemath.GeoPoint{Lat: lat, Lon: lon}, uint32(zoom), scale)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(newLocationResponse(location))
	}
}

func getLevelsHandler(logger *slog.Logger, loc *locator.Locator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := loc.Directory(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		resp := levelsResponse{
			Source:  loc.Source().Name(),
			BigTIFF: d.BigTIFF(),
			Scales:  d.OverviewScales(),
		}
		for _, l := range d.ListLevels() {
			resp.Levels = append(resp.Levels, levelResponse{
				Index: l.Index, Width: l.Width, Height: l.Height,
				Tiled: l.Tiled, Mask: l.Mask, Scale: d.Scale(l.Index),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func parseTile(r *http.Request) (tilemath.TileCoordinate, error) {
	var vals [3]uint32
	for i, name := range []string{"z", "x", "y"} {
		v, err := strconv.ParseUint(r.PathValue(name), 10, 32)
		if err != nil {
			return tilemath.TileCoordinate{}, fmt.Errorf("invalid %s", name)
		}
		vals[i] = uint32(v)
	}
	t := tilemath.TileCoordinate{Z: vals[0], X: vals[1], Y: vals[2]}
	if !t.Valid() {
		return tilemath.TileCoordinate{}, fmt.Errorf("tile %s is outside the grid", t)
	}
	return t, nil
}

func parseScale(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("scale")
	if raw == "" {
		return 1, nil
	}
	scale, err := strconv.ParseFloat(raw, 64)
	if err != nil || scale <= 0 {
		return 0, errors.New("invalid scale")
	}
	return scale, nil
}

// statusFor maps an error kind to the HTTP status returned to clients.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cogerrors.ErrInvalidCoordinate):
		return http.StatusBadRequest
	case errors.Is(err, cogerrors.ErrSparseTile):
		return http.StatusNoContent
	case errors.Is(err, cogerrors.ErrTileIndexOutOfRange),
		errors.Is(err, cogerrors.ErrLevelNotFound),
		errors.Is(err, cogerrors.ErrDegenerateLevel),
		errors.Is(err, cogerrors.ErrNotTiled):
		return http.StatusNotFound
	case errors.Is(err, cogerrors.ErrUnexpectedStatus),
		errors.Is(err, cogerrors.ErrRangeLengthMismatch),
		errors.Is(err, cogerrors.ErrShortRead),
		errors.Is(err, cogerrors.ErrInvalidDirectory):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := statusFor(err)
	if code == http.StatusNoContent {
		w.WriteHeader(code)
		return
	}
	if code >= http.StatusInternalServerError {
		logger.Error("tile request failed", "error", err, "code", cogerrors.Code(err))
	}
	http.Error(w, err.Error(), code)
}
