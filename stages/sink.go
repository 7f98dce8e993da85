package stages

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"pipelined.dev/graph"
)

// FileSink writes units into the file at location. Every unit is
// prefixed with its payload length.
type FileSink struct {
	*graph.Element
	file *os.File
	w    *bufio.Writer
}

// NewFileSink returns new file sink.
func NewFileSink(name, location string) *FileSink {
	return &FileSink{
		Element: graph.NewElement(name, graph.KindSink, map[string]interface{}{
			Location: location,
		}),
	}
}

// Start creates the file.
func (s *FileSink) Start(context.Context) error {
	location, ok := s.Params().String(Location)
	if !ok || location == "" {
		return fmt.Errorf("%s: location is not set", s.Name())
	}
	f, err := os.Create(location)
	if err != nil {
		return err
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	return nil
}

// Consume writes the unit.
func (s *FileSink) Consume(_ context.Context, u *graph.Unit) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(u.Payload)))
	if _, err := s.w.Write(size[:]); err != nil {
		return err
	}
	_, err := s.w.Write(u.Payload)
	return err
}

// Flush closes the file.
func (s *FileSink) Flush(context.Context) error {
	if s.file == nil {
		return nil
	}
	err := s.w.Flush()
	if cErr := s.file.Close(); err == nil {
		err = cErr
	}
	s.file, s.w = nil, nil
	return err
}

// ReadUnits reads payloads written by FileSink.
func ReadUnits(r io.Reader) ([][]byte, error) {
	br := bufio.NewReader(r)
	var payloads [][]byte
	for {
		var size [4]byte
		if _, err := io.ReadFull(br, size[:]); err != nil {
			if err == io.EOF {
				return payloads, nil
			}
			return nil, err
		}
		p := make([]byte, binary.BigEndian.Uint32(size[:]))
		if _, err := io.ReadFull(br, p); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
}

// FakeSink counts and discards units.
type FakeSink struct {
	*graph.Element
	mu    sync.Mutex
	count int
	last  uint64
}

// NewFakeSink returns new fake sink.
func NewFakeSink(name string) *FakeSink {
	return &FakeSink{
		Element: graph.NewElement(name, graph.KindSink, nil),
	}
}

// Consume counts the unit.
func (s *FakeSink) Consume(_ context.Context, u *graph.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.last = u.Seq
	return nil
}

// Count returns number of consumed units and the last sequence number.
func (s *FakeSink) Count() (int, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.last
}

// AppSink hands units over to the application.
type AppSink struct {
	*graph.Element
	fn func(*graph.Unit) error
}

// NewAppSink returns new inspection sink that calls fn for every unit.
func NewAppSink(name string, fn func(*graph.Unit) error) *AppSink {
	return &AppSink{
		Element: graph.NewElement(name, graph.KindInspectionSink, nil),
		fn:      fn,
	}
}

// Consume calls the application function.
func (s *AppSink) Consume(_ context.Context, u *graph.Unit) error {
	if s.fn == nil {
		return nil
	}
	return s.fn(u)
}
