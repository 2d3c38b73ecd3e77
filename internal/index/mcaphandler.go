package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/foxglove/mcap/go/mcap"

	"github.com/coscene-io/coscout/internal/rule"
)

// McapHandler indexes .mcap files from their summary statistics.
type McapHandler struct{}

func (McapHandler) Name() string { return "mcap" }

func (McapHandler) SupportsStatic() bool { return true }

func (McapHandler) Matches(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	return strings.HasSuffix(path, ".mcap")
}

func (McapHandler) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (h McapHandler) ComputeState(path string) (FileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileState{}, err
	}
	defer f.Close()

	reader, err := mcap.NewReader(f)
	if err != nil {
		return FileState{}, fmt.Errorf("reading mcap %s: %w", path, err)
	}
	defer reader.Close()

	info, err := reader.Info()
	if err != nil {
		return FileState{}, fmt.Errorf("reading mcap summary of %s: %w", path, err)
	}

	if info.Statistics == nil {
		return FileState{}, fmt.Errorf("mcap %s has no statistics, needs reindexing", path)
	}

	size, err := h.Size(path)
	if err != nil {
		return FileState{}, err
	}

	return FileState{
		Size:      size,
		StartTime: int64(info.Statistics.MessageStartTime / 1e9),
		EndTime:   int64(info.Statistics.MessageEndTime / 1e9),
	}, nil
}

// Messages iterates the file in log-time order. JSON-encoded payloads
// are decoded so field text can match rule predicates; binary payloads
// keep topic and type matching only.
func (McapHandler) Messages(ctx context.Context, path string, emit func(rule.Item) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := mcap.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading mcap %s: %w", path, err)
	}
	defer reader.Close()

	it, err := reader.Messages(mcap.UsingIndex(true), mcap.InOrder(mcap.LogTimeOrder))
	if err != nil {
		return fmt.Errorf("iterating mcap %s: %w", path, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		schema, channel, message, err := it.Next(nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("iterating mcap %s: %w", path, err)
		}

		var msg any = string(message.Data)

		if channel.MessageEncoding == "json" {
			var decoded map[string]any
			if err := json.Unmarshal(message.Data, &decoded); err == nil {
				msg = decoded
			}
		}

		schemaName := ""
		if schema != nil {
			schemaName = schema.Name
		}

		item := rule.Item{
			Topic:   channel.Topic,
			Msg:     msg,
			Ts:      int64(message.LogTime / 1e9),
			Msgtype: schemaName,
		}

		if !emit(item) {
			return nil
		}
	}
}
