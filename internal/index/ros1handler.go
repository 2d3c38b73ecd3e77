package index

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coscene-io/coscout/internal/rule"
)

// Ros1Handler indexes ROS1 bag files, including still-recording
// .bag.active files. The v2.0 container is parsed directly; message
// payloads stay opaque, so rules match on topic and type.
type Ros1Handler struct{}

const ros1Magic = "#ROSBAG V2.0\n"

// Record op codes from the bag v2.0 format.
const (
	opMessageData = 0x02
	opBagHeader   = 0x03
	opChunk       = 0x05
	opChunkInfo   = 0x06
	opConnection  = 0x07
)

func (Ros1Handler) Name() string { return "ros1" }

func (Ros1Handler) SupportsStatic() bool { return true }

func (Ros1Handler) Matches(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	return strings.HasSuffix(path, ".bag") || strings.HasSuffix(path, ".bag.active")
}

func (Ros1Handler) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (h Ros1Handler) ComputeState(path string) (FileState, error) {
	size, err := h.Size(path)
	if err != nil {
		return FileState{}, err
	}

	start, end, err := ros1TimeRange(path)
	if err != nil {
		return FileState{}, err
	}

	return FileState{Size: size, StartTime: start, EndTime: end}, nil
}

func (Ros1Handler) Messages(ctx context.Context, path string, emit func(rule.Item) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	if err := readRos1Magic(r); err != nil {
		return fmt.Errorf("reading bag %s: %w", path, err)
	}

	conns := map[uint32]ros1Connection{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, data, err := readRos1Record(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}

			return fmt.Errorf("reading bag %s: %w", path, err)
		}

		keepGoing, err := handleRos1Record(header, data, conns, emit)
		if err != nil {
			return fmt.Errorf("reading bag %s: %w", path, err)
		}

		if !keepGoing {
			return nil
		}
	}
}

type ros1Connection struct {
	topic   string
	msgtype string
}

// handleRos1Record processes one top-level record, descending into
// chunks. It returns false when emit stopped the iteration.
func handleRos1Record(header map[string][]byte, data []byte, conns map[uint32]ros1Connection, emit func(rule.Item) bool) (bool, error) {
	switch ros1Op(header) {
	case opConnection:
		if len(header["conn"]) != 4 {
			return true, errors.New("malformed bag connection record")
		}

		id := binary.LittleEndian.Uint32(header["conn"])

		connHeader, err := parseRos1Header(data)
		if err != nil {
			return true, err
		}

		conns[id] = ros1Connection{
			topic:   string(connHeader["topic"]),
			msgtype: normalizeRos1Type(string(connHeader["type"])),
		}
	case opMessageData:
		if len(header["conn"]) != 4 {
			return true, errors.New("malformed bag message record")
		}

		id := binary.LittleEndian.Uint32(header["conn"])
		conn := conns[id]

		item := rule.Item{
			Topic:   conn.topic,
			Ts:      int64(ros1Time(header["time"]) / 1e9),
			Msgtype: conn.msgtype,
		}
		if !emit(item) {
			return false, nil
		}
	case opChunk:
		chunk, err := decompressRos1Chunk(header, data)
		if err != nil {
			// Unsupported compression, skip the chunk.
			return true, nil
		}

		r := bytes.NewReader(chunk)

		for {
			subHeader, subData, err := readRos1Record(r)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return true, nil
				}

				return true, err
			}

			keepGoing, err := handleRos1Record(subHeader, subData, conns, emit)
			if err != nil || !keepGoing {
				return keepGoing, err
			}
		}
	}

	return true, nil
}

// ros1TimeRange finds the message time span. Indexed bags answer from
// chunk info records; active bags are scanned chunk by chunk.
func ros1TimeRange(path string) (int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	if err := readRos1Magic(r); err != nil {
		return 0, 0, fmt.Errorf("reading bag %s: %w", path, err)
	}

	var (
		startNs uint64
		endNs   uint64
		found   bool
		indexed bool
	)

	observe := func(ns uint64) {
		if !found || ns < startNs {
			startNs = ns
		}

		if !found || ns > endNs {
			endNs = ns
		}

		found = true
	}

	for {
		header, data, err := readRos1Record(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}

			return 0, 0, fmt.Errorf("reading bag %s: %w", path, err)
		}

		switch ros1Op(header) {
		case opBagHeader:
			if pos := header["index_pos"]; len(pos) == 8 {
				indexed = binary.LittleEndian.Uint64(pos) != 0
			}
		case opChunkInfo:
			observe(ros1Time(header["start_time"]))
			observe(ros1Time(header["end_time"]))
		case opChunk:
			// Indexed bags answer from their chunk info records; only
			// an active bag needs its chunks scanned.
			if indexed {
				continue
			}

			chunk, err := decompressRos1Chunk(header, data)
			if err != nil {
				continue
			}

			cr := bytes.NewReader(chunk)

			for {
				subHeader, _, err := readRos1Record(cr)
				if err != nil {
					break
				}

				if ros1Op(subHeader) == opMessageData {
					observe(ros1Time(subHeader["time"]))
				}
			}
		}
	}

	if !found {
		return 0, 0, fmt.Errorf("bag %s has no message times", path)
	}

	return int64(startNs / 1e9), int64(endNs / 1e9), nil
}

func readRos1Magic(r io.Reader) error {
	magic := make([]byte, len(ros1Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return err
	}

	if string(magic) != ros1Magic {
		return errors.New("not a ROS1 v2.0 bag")
	}

	return nil
}

// readRos1Record reads one length-prefixed header and data block.
func readRos1Record(r io.Reader) (map[string][]byte, []byte, error) {
	header, err := readRos1Block(r)
	if err != nil {
		return nil, nil, err
	}

	data, err := readRos1Block(r)
	if err != nil {
		return nil, nil, err
	}

	fields, err := parseRos1Header(header)
	if err != nil {
		return nil, nil, err
	}

	return fields, data, nil
}

func readRos1Block(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])

	block := make([]byte, n)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, err
	}

	return block, nil
}

// parseRos1Header splits a header block into name=value fields.
func parseRos1Header(header []byte) (map[string][]byte, error) {
	fields := map[string][]byte{}

	for len(header) > 0 {
		if len(header) < 4 {
			return nil, errors.New("truncated bag header field")
		}

		n := binary.LittleEndian.Uint32(header[:4])
		header = header[4:]

		if uint32(len(header)) < n {
			return nil, errors.New("truncated bag header field")
		}

		field := header[:n]
		header = header[n:]

		eq := bytes.IndexByte(field, '=')
		if eq < 0 {
			return nil, errors.New("malformed bag header field")
		}

		fields[string(field[:eq])] = field[eq+1:]
	}

	return fields, nil
}

func ros1Op(header map[string][]byte) byte {
	op := header["op"]
	if len(op) != 1 {
		return 0
	}

	return op[0]
}

// ros1Time decodes a bag time field (secs, nsecs) to nanoseconds.
func ros1Time(field []byte) uint64 {
	if len(field) != 8 {
		return 0
	}

	secs := binary.LittleEndian.Uint32(field[:4])
	nsecs := binary.LittleEndian.Uint32(field[4:])

	return uint64(secs)*1e9 + uint64(nsecs)
}

func decompressRos1Chunk(header map[string][]byte, data []byte) ([]byte, error) {
	switch string(header["compression"]) {
	case "", "none":
		return data, nil
	case "bz2":
		return io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported chunk compression %q", header["compression"])
	}
}

// normalizeRos1Type rewrites a/msg/b to a/b.
func normalizeRos1Type(msgtype string) string {
	return strings.ReplaceAll(msgtype, "/msg/", "/")
}
