package db

import (
	"errors"
	"strings"
)

// Partitions enumerates the Postgres schemas that hold subscription tables
// and says which one owns a context.
type Partitions interface {
	SchemaFor(contextID int) string
	Schemas() []string
}

// StaticPartitions spreads contexts over a fixed list of schemas.
type StaticPartitions []string

// NewStaticPartitions validates and dedupes a schema list.
func NewStaticPartitions(schemas []string) (StaticPartitions, error) {
	seen := make(map[string]struct{}, len(schemas))
	var out StaticPartitions
	for _, s := range schemas {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one partition schema is required")
	}
	return out, nil
}

func (p StaticPartitions) SchemaFor(contextID int) string {
	i := contextID % len(p)
	if i < 0 {
		i = -i
	}
	return p[i]
}

func (p StaticPartitions) Schemas() []string {
	return append([]string(nil), p...)
}
