// Package analytics scores URLs with the threat scoring task and derives
// detection KPIs from the collected threat feed.
package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"phishwatch/internal/readthrough"
	"phishwatch/internal/task/backend"
	"phishwatch/pkg/logx"
)

var (
	ErrEmptyURL   = errors.New("url required")
	ErrNoCases    = errors.New("threat feed has no rows")
	ErrBadResults = errors.New("unexpected scoring output")
)

const (
	DefaultMaxRows = 1000
	// KPIKey is the cache key of the KPI scoring batch.
	KPIKey = "kpi"
	// LevelInformational is the lowest threat level; anything above counts as detected.
	LevelInformational = "INFORMATIONAL"
)

// APIResults carries the external reputation lookups the scorer weighs.
type APIResults struct {
	VirusTotalMalicious int  `json:"virustotal_malicious"`
	URLVoidFailed       bool `json:"urlvoid_failed"`
}

// Case is one input item of the scoring task.
type Case struct {
	URL          string     `json:"url"`
	SourcesCount int        `json:"sources_count"`
	APIResults   APIResults `json:"api_results"`
}

// KPI summarises one scoring batch over the threat feed.
type KPI struct {
	DetectionRate     string    `json:"detectionRate"`
	FalsePositiveRate string    `json:"falsePositiveRate"`
	ThreatsProcessed  int       `json:"threatsProcessed"`
	ComputedAt        time.Time `json:"computedAt"`
	FromCache         bool      `json:"fromCache"`
}

type Config struct {
	Task     backend.Descriptor
	FeedCSV  string
	MaxRows  int
	ScoreTTL time.Duration
	KPITTL   time.Duration
}

type Service struct {
	cfg Config
	rt  *readthrough.Coordinator
	log logx.Logger
}

func New(rt *readthrough.Coordinator, cfg Config, log logx.Logger) *Service {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.ScoreTTL <= 0 {
		cfg.ScoreTTL = time.Hour
	}
	if cfg.KPITTL <= 0 {
		cfg.KPITTL = 30 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Task.Shape = backend.ShapeItems
	return &Service{cfg: cfg, rt: rt, log: log.With(logx.String("comp", "analytics"))}
}

// ScoreKey is the cache key for the score of one URL.
func ScoreKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "score_" + hex.EncodeToString(sum[:])[:16]
}

// Score returns the scoring result for url, computing it on a cache miss.
func (s *Service) Score(ctx context.Context, url string) (json.RawMessage, bool, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, false, ErrEmptyURL
	}
	res, err := s.rt.GetOrCompute(ctx, ScoreKey(url), s.cfg.ScoreTTL, s.cfg.Task, []Case{newCase(url)})
	if err != nil {
		return nil, false, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(res.Value, &items); err != nil || len(items) == 0 {
		return nil, false, fmt.Errorf("%w: want a non-empty array", ErrBadResults)
	}
	return items[0], res.FromCache, nil
}

// KPI scores the head of the threat feed and reports the share of rows the
// scorer rated above informational.
func (s *Service) KPI(ctx context.Context) (KPI, error) {
	cases, err := s.loadFeed()
	if err != nil {
		return KPI{}, err
	}
	res, err := s.rt.GetOrCompute(ctx, KPIKey, s.cfg.KPITTL, s.cfg.Task, cases)
	if err != nil {
		return KPI{}, err
	}
	var scored []struct {
		ThreatLevel string `json:"threat_level"`
	}
	if err := json.Unmarshal(res.Value, &scored); err != nil {
		return KPI{}, fmt.Errorf("%w: %v", ErrBadResults, err)
	}
	levels := make([]string, len(scored))
	for i, r := range scored {
		levels[i] = r.ThreatLevel
	}
	k, err := Summarize(levels)
	if err != nil {
		return KPI{}, err
	}
	k.ComputedAt = res.WrittenAt
	k.FromCache = res.FromCache
	return k, nil
}

func (s *Service) loadFeed() ([]Case, error) {
	if s.cfg.FeedCSV == "" {
		return nil, fmt.Errorf("analytics: feed csv not configured")
	}
	f, err := os.Open(s.cfg.FeedCSV)
	if err != nil {
		return nil, fmt.Errorf("read threat feed: %w", err)
	}
	defer f.Close()
	cases, err := LoadCases(f, s.cfg.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("parse threat feed %s: %w", s.cfg.FeedCSV, err)
	}
	s.log.Debug("threat feed loaded", logx.String("path", s.cfg.FeedCSV), logx.Int("cases", len(cases)))
	return cases, nil
}

// LoadCases reads up to limit rows of a CSV feed with a header that has a url
// column. Rows without a url are skipped.
func LoadCases(r io.Reader, limit int) ([]Case, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoCases
	}
	if err != nil {
		return nil, err
	}
	col := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), "url") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.New("header has no url column")
	}

	var cases []Case
	for limit <= 0 || len(cases) < limit {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if col >= len(rec) {
			continue
		}
		if u := strings.TrimSpace(rec[col]); u != "" {
			cases = append(cases, newCase(u))
		}
	}
	if len(cases) == 0 {
		return nil, ErrNoCases
	}
	return cases, nil
}

// Summarize computes the detection and false-positive rates of a batch of
// threat levels, formatted as percentages with one decimal.
func Summarize(levels []string) (KPI, error) {
	if len(levels) == 0 {
		return KPI{}, fmt.Errorf("%w: empty result set", ErrBadResults)
	}
	informational := 0
	for _, l := range levels {
		if strings.EqualFold(l, LevelInformational) {
			informational++
		}
	}
	n := float64(len(levels))
	return KPI{
		DetectionRate:     fmt.Sprintf("%.1f%%", float64(len(levels)-informational)/n*100),
		FalsePositiveRate: fmt.Sprintf("%.1f%%", float64(informational)/n*100),
		ThreatsProcessed:  len(levels),
	}, nil
}

func newCase(url string) Case {
	return Case{URL: url, SourcesCount: 1}
}
