package data

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SpawnEntry places Count entities around (X, Y). With Count > 1 each gets
// Name plus an index suffix, and positions are scattered up to Spread away.
type SpawnEntry struct {
	Name   string  `yaml:"name"`
	Count  int     `yaml:"count"`
	X      float32 `yaml:"x"`
	Y      float32 `yaml:"y"`
	VX     float32 `yaml:"vx"`
	VY     float32 `yaml:"vy"`
	Spread float32 `yaml:"spread"`
}

// SpawnList is the host's initial population.
type SpawnList struct {
	Entries []SpawnEntry
}

// LoadSpawnList loads a spawn list YAML file.
func LoadSpawnList(path string) (*SpawnList, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spawn list: %w", err)
	}
	return ParseSpawnList(raw)
}

func ParseSpawnList(raw []byte) (*SpawnList, error) {
	var entries []SpawnEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse spawn list: %w", err)
	}
	for i := range entries {
		e := &entries[i]
		if e.Count == 0 {
			e.Count = 1
		}
		if e.Count < 0 {
			return nil, fmt.Errorf("spawn list entry %d (%s): negative count %d", i, e.Name, e.Count)
		}
		if e.Spread < 0 {
			return nil, fmt.Errorf("spawn list entry %d (%s): negative spread", i, e.Name)
		}
	}
	return &SpawnList{Entries: entries}, nil
}

// Total is the number of entities the list spawns.
func (l *SpawnList) Total() int {
	n := 0
	for _, e := range l.Entries {
		n += e.Count
	}
	return n
}
