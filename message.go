package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedFrame is returned for chat lines that are not sender|ms|content.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnframeable is returned for messages that cannot be written as a
	// single frame.
	ErrUnframeable = errors.New("message does not fit in one frame")
)

const lineBreaks = "\r\n"

// NewMessage stamps a message with the current time.
func NewMessage(sender, content string) Message {
	return Message{
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Serialize encodes the message as sender|epoch_ms|content without the
// trailing newline.
func (m Message) Serialize() string {
	return fmt.Sprintf("%s%c%d%c%s", m.Sender, delimiter, m.Timestamp.UnixMilli(), delimiter, m.Content)
}

// CheckFrame reports whether m survives the trip through one frame: the
// sender may not contain the delimiter and neither field may break the line.
func (m Message) CheckFrame() error {
	switch {
	case strings.ContainsRune(m.Sender, delimiter) || strings.ContainsAny(m.Sender, lineBreaks):
		return fmt.Errorf("%w: sender %q", ErrUnframeable, m.Sender)
	case strings.ContainsAny(m.Content, lineBreaks):
		return fmt.Errorf("%w: content contains a line break", ErrUnframeable)
	}
	return nil
}

// DeserializeMessage parses one frame. Content is everything after the second
// pipe, so it may itself contain pipes. A single trailing newline is
// tolerated; CRLF endings are stripped by the line scanner before this.
func DeserializeMessage(line string) (Message, error) {
	line = strings.TrimSuffix(line, "\n")

	parts := strings.SplitN(line, string(delimiter), 3)
	if len(parts) != 3 {
		return Message{}, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
	}

	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedFrame, parts[1])
	}

	return Message{
		Sender:    parts[0],
		Content:   parts[2],
		Timestamp: time.UnixMilli(ms),
	}, nil
}

// Clock formats the timestamp for transcript display.
func (m Message) Clock() string {
	return m.Timestamp.Local().Format("15:04:05")
}

func (m Message) FromSelf() bool {
	return m.Sender == LocalSender
}
