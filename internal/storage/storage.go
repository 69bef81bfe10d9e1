package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"synthwatch-tui/internal/backend"
	"synthwatch-tui/internal/engine"
)

type Store struct {
	rootDir string
	jobsDir string
}

type JobSummary struct {
	JobID          string   `json:"job_id"`
	SavedAt        string   `json:"saved_at"`
	Status         string   `json:"status"`
	Kind           string   `json:"kind"`
	BestReward     *float64 `json:"best_reward,omitempty"`
	EventCount     int      `json:"event_count"`
	CandidateCount int      `json:"candidate_count"`
	Directory      string   `json:"directory"`
}

type JobBundle struct {
	Summary    JobSummary         `json:"summary"`
	Job        map[string]any     `json:"job"`
	Events     []backend.Event    `json:"events"`
	Candidates []engine.Candidate `json:"candidates"`
}

func NewStore(rootDir string) (*Store, error) {
	jobsDir := filepath.Join(rootDir, "jobs")
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &Store{rootDir: rootDir, jobsDir: jobsDir}, nil
}

func (s *Store) JobsDir() string {
	return s.jobsDir
}

// SaveJob writes a snapshot bundle for a finished job: the raw job
// document, the retained event window, and the derived candidates.
func (s *Store) SaveJob(job backend.Job, raw map[string]any, events []backend.Event, candidates []engine.Candidate) (JobSummary, error) {
	jobID := strings.TrimSpace(job.ID)
	if jobID == "" {
		jobID = "unknown"
	}
	if raw == nil {
		raw = map[string]any{}
	}

	now := time.Now().UTC()
	stamp := now.Format("20060102-150405")
	shortID := jobID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	dirName := fmt.Sprintf("%s-%s", stamp, shortID)
	dirPath := filepath.Join(s.jobsDir, dirName)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return JobSummary{}, fmt.Errorf("create job bundle dir: %w", err)
	}

	summary := JobSummary{
		JobID:          jobID,
		SavedAt:        now.Format(time.RFC3339),
		Status:         string(job.Status),
		Kind:           string(job.Kind),
		BestReward:     job.BestReward,
		EventCount:     len(events),
		CandidateCount: len(candidates),
		Directory:      dirPath,
	}

	if err := writeJSON(filepath.Join(dirPath, "summary.json"), summary); err != nil {
		return JobSummary{}, err
	}
	if err := writeJSON(filepath.Join(dirPath, "job.json"), raw); err != nil {
		return JobSummary{}, err
	}
	if err := writeJSON(filepath.Join(dirPath, "events.json"), events); err != nil {
		return JobSummary{}, err
	}
	if err := writeJSON(filepath.Join(dirPath, "candidates.json"), candidates); err != nil {
		return JobSummary{}, err
	}

	bundle := JobBundle{
		Summary:    summary,
		Job:        raw,
		Events:     events,
		Candidates: candidates,
	}
	if err := writeJSON(filepath.Join(dirPath, "bundle.json"), bundle); err != nil {
		return JobSummary{}, err
	}
	return summary, nil
}

func (s *Store) List(limit int) ([]JobSummary, error) {
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	summaries := make([]JobSummary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		summaryPath := filepath.Join(s.jobsDir, entry.Name(), "summary.json")
		blob, err := os.ReadFile(summaryPath)
		if err != nil {
			continue
		}
		var summary JobSummary
		if err := json.Unmarshal(blob, &summary); err != nil {
			continue
		}
		if summary.Directory == "" {
			summary.Directory = filepath.Join(s.jobsDir, entry.Name())
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SavedAt > summaries[j].SavedAt
	})

	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (s *Store) LoadBundle(directory string) (*JobBundle, error) {
	dir := strings.TrimSpace(directory)
	if dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.jobsDir, dir)
	}

	blob, err := os.ReadFile(filepath.Join(dir, "bundle.json"))
	if err == nil {
		var bundle JobBundle
		if json.Unmarshal(blob, &bundle) == nil {
			if bundle.Summary.Directory == "" {
				bundle.Summary.Directory = dir
			}
			return &bundle, nil
		}
	}

	var summary JobSummary
	if err := readJSON(filepath.Join(dir, "summary.json"), &summary); err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := readJSON(filepath.Join(dir, "job.json"), &raw); err != nil {
		return nil, err
	}
	var events []backend.Event
	_ = readJSON(filepath.Join(dir, "events.json"), &events)
	var candidates []engine.Candidate
	_ = readJSON(filepath.Join(dir, "candidates.json"), &candidates)

	summary.Directory = dir
	bundle := &JobBundle{
		Summary:    summary,
		Job:        raw,
		Events:     events,
		Candidates: candidates,
	}
	return bundle, nil
}

func writeJSON(path string, value any) error {
	blob, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json for %s: %w", path, err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, out any) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
