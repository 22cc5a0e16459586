package ingest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/touristwatch/internal/tourist/domain"
)

// DefaultSafetyScore is attached to feed entries that carry no score.
const DefaultSafetyScore = 100.0

var (
	ErrMalformedBatch = errors.New("batch is not a JSON object")
	ErrMissingField   = errors.New("missing field")
)

// EntryError describes one feed entry that could not be turned into a position.
type EntryError struct {
	ID  string
	Err error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("tourist %q: %v", e.ID, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

type feedEntry struct {
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Timestamp   string   `json:"timestamp"`
	SafetyScore *float64 `json:"safetyScore"`
}

// Parser turns feed batches shaped as {id: {lat, lon, timestamp}} into positions.
type Parser struct {
	defaultScore float64
	clock        domain.Clock
}

// NewParser builds a parser. A nil clock uses the system clock; it stamps
// entries that arrive without a timestamp.
func NewParser(defaultScore float64, clock domain.Clock) *Parser {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Parser{defaultScore: defaultScore, clock: clock}
}

// Parse decodes one batch. Entries that fail are reported in the returned
// slice of *EntryError and skipped; the error is non-nil only when the batch
// as a whole is unusable. Positions are returned sorted by id.
func (p *Parser) Parse(data []byte) ([]domain.TouristPosition, []error, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if raw == nil {
		return nil, nil, ErrMalformedBatch
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	positions := make([]domain.TouristPosition, 0, len(ids))
	var entryErrs []error
	for _, id := range ids {
		pos, err := p.parseEntry(id, raw[id])
		if err != nil {
			entryErrs = append(entryErrs, &EntryError{ID: id, Err: err})
			continue
		}
		positions = append(positions, pos)
	}
	return positions, entryErrs, nil
}

func (p *Parser) parseEntry(id string, raw json.RawMessage) (domain.TouristPosition, error) {
	if id == "" {
		return domain.TouristPosition{}, domain.ErrEmptyID
	}
	var entry feedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.TouristPosition{}, err
	}
	if entry.Lat == nil {
		return domain.TouristPosition{}, fmt.Errorf("%w: lat", ErrMissingField)
	}
	if entry.Lon == nil {
		return domain.TouristPosition{}, fmt.Errorf("%w: lon", ErrMissingField)
	}
	ts := p.clock.Now()
	if entry.Timestamp != "" {
		parsed, err := parseTimestamp(entry.Timestamp)
		if err != nil {
			return domain.TouristPosition{}, fmt.Errorf("timestamp: %w", err)
		}
		ts = parsed
	}
	score := p.defaultScore
	if entry.SafetyScore != nil {
		score = *entry.SafetyScore
	}
	return domain.TouristPosition{
		ID:          id,
		Latitude:    *entry.Lat,
		Longitude:   *entry.Lon,
		SafetyScore: score,
		Timestamp:   ts,
	}, nil
}

// timestampLayouts are the ISO-8601 shapes seen from feed producers. A
// timestamp without an offset is read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
