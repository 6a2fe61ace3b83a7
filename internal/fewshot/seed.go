package fewshot

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/inkwell-ai/inkwell/internal/models"
)

// seedFile is the YAML shape of an example corpus.
type seedFile struct {
	Examples []seedExample `yaml:"examples"`
}

type seedExample struct {
	Question   string `yaml:"question"`
	SQL        string `yaml:"sql"`
	SQLContext string `yaml:"sql_context"`
	Complexity string `yaml:"complexity"`
	Domain     string `yaml:"domain"`
}

// SeedFromYAML loads an example corpus and inserts every entry, embedding
// questions in one batch. Already-present questions are skipped. Returns
// (added, skipped).
func (s *Store) SeedFromYAML(ctx context.Context, path string) (int, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read seed file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if len(file.Examples) == 0 {
		return 0, 0, nil
	}

	questions := make([]string, len(file.Examples))
	for i, ex := range file.Examples {
		questions[i] = ex.Question
	}
	embeddings, err := s.embedder.GenerateBatchEmbeddings(ctx, questions, "")
	if err != nil {
		return 0, 0, fmt.Errorf("embed seed questions: %w", err)
	}
	if len(embeddings) != len(file.Examples) {
		return 0, 0, fmt.Errorf("embed seed questions: got %d vectors for %d examples", len(embeddings), len(file.Examples))
	}

	added, skipped := 0, 0
	for i, ex := range file.Examples {
		inserted, err := s.Add(ctx, &models.FewShotExample{
			Question:   ex.Question,
			SQL:        ex.SQL,
			SQLContext: ex.SQLContext,
			Complexity: ex.Complexity,
			Domain:     ex.Domain,
			Embedding:  embeddings[i],
		})
		if err != nil {
			return added, skipped, fmt.Errorf("seed example %d (%q): %w", i, ex.Question, err)
		}
		if inserted {
			added++
		} else {
			skipped++
		}
	}

	s.logger.Info("Few-shot corpus seeded",
		zap.String("path", path),
		zap.Int("added", added),
		zap.Int("skipped", skipped))
	return added, skipped, nil
}
