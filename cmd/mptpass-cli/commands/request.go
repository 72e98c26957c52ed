package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/mptpass/pkg/ptapi"
)

// RequestFile is the YAML form of a passthrough request. Byte fields are hex
// strings; whitespace and colons inside them are ignored.
//
//	command: "00 00 00 20 ..."
//	timeout: 30s
//	buffers:
//	  - type: data_out
//	    data: "01020304"
//	  - type: data_in
//	    length: 512
type RequestFile struct {
	Command     string          `yaml:"command"`
	Timeout     string          `yaml:"timeout,omitempty"`
	Buffers     []RequestBuffer `yaml:"buffers,omitempty"`
	NonBlocking bool            `yaml:"non_blocking,omitempty"`
}

// RequestBuffer is one buffer of a RequestFile. Length defaults to the size
// of Data.
type RequestBuffer struct {
	Type   string `yaml:"type"`
	Data   string `yaml:"data,omitempty"`
	Length uint32 `yaml:"length,omitempty"`
}

// LoadRequestFile reads a passthrough request from a YAML file.
func LoadRequestFile(path string) (*ptapi.PassthroughRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}

	return ParseRequest(data)
}

// ParseRequest converts a YAML request document into an API request.
func ParseRequest(data []byte) (*ptapi.PassthroughRequest, error) {
	var rf RequestFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("invalid request file: %w", err)
	}

	cmd, err := decodeHex(rf.Command)
	if err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}

	if len(cmd) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	req := &ptapi.PassthroughRequest{
		Command:     cmd,
		NonBlocking: rf.NonBlocking,
	}

	if rf.Timeout != "" {
		d, err := time.ParseDuration(rf.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", rf.Timeout, err)
		}

		req.Timeout = ptapi.Duration(d)
	}

	for i, b := range rf.Buffers {
		buf, err := decodeHex(b.Data)
		if err != nil {
			return nil, fmt.Errorf("buffers[%d]: %w", i, err)
		}

		length := b.Length
		if length == 0 {
			length = uint32(len(buf))
		}

		req.Buffers = append(req.Buffers, ptapi.Buffer{Type: b.Type, Data: buf, Length: length})
	}

	return req, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}

		return r
	}, s)

	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, nil
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	return b, nil
}
