package biz

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	chunks, err := Chunk(rng("2024-01-01", "2025-02-04"), 180)
	require.NoError(t, err)
	require.Equal(t, []DateRange{
		rng("2024-01-01", "2024-06-28"),
		rng("2024-06-29", "2024-12-25"),
		rng("2024-12-26", "2025-02-04"),
	}, chunks)
}

func TestChunkExactCoverage(t *testing.T) {
	tests := []struct {
		name    string
		r       DateRange
		maxDays int
		pieces  int
	}{
		{name: "single day", r: rng("2024-03-01", "2024-03-01"), maxDays: 180, pieces: 1},
		{name: "fits exactly", r: rng("2024-01-01", "2024-01-10"), maxDays: 10, pieces: 1},
		{name: "one over", r: rng("2024-01-01", "2024-01-11"), maxDays: 10, pieces: 2},
		{name: "daily", r: rng("2024-01-01", "2024-01-07"), maxDays: 1, pieces: 7},
		{name: "huge size", r: rng("2024-01-01", "2024-01-10"), maxDays: 200000, pieces: 1},
		{name: "huge size long range", r: rng("1900-01-01", "2100-12-31"), maxDays: 1 << 30, pieces: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Chunk(tt.r, tt.maxDays)
			require.NoError(t, err)
			require.Len(t, chunks, tt.pieces)
			require.Equal(t, tt.r.Start, chunks[0].Start)
			require.Equal(t, tt.r.End, chunks[len(chunks)-1].End)

			total := 0
			for i, c := range chunks {
				require.LessOrEqual(t, c.Days(), tt.maxDays)
				total += c.Days()
				if i > 0 {
					require.Equal(t, chunks[i-1].End.Add(day), c.Start)
				}
			}
			require.Equal(t, tt.r.Days(), total)
		})
	}
}

func TestChunkRejectsInvalidSize(t *testing.T) {
	_, err := Chunk(rng("2024-01-01", "2024-01-02"), 0)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
}
