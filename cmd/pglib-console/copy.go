package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// fileCopyInProducer drives a COPY ... FROM STDIN by streaming a local
// file to the backend a line at a time.
type fileCopyInProducer struct {
	f       *os.File
	scanner *bufio.Scanner
	sent    int64
}

func newFileCopyInProducer(path string) (*fileCopyInProducer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileCopyInProducer{f: f, scanner: bufio.NewScanner(f)}, nil
}

func (p *fileCopyInProducer) Describe(columnCount int, binary bool) {
	out.Info(fmt.Sprintf("COPY FROM STDIN: %d columns, binary=%v", columnCount, binary))
}

func (p *fileCopyInProducer) Read() ([]byte, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := append(p.scanner.Bytes(), '\n')
	p.sent += int64(len(line))
	return line, nil
}

func (p *fileCopyInProducer) Close() error {
	out.Info(fmt.Sprintf("sent %d bytes", p.sent))
	return p.f.Close()
}

// fileCopyOutConsumer drives a COPY ... TO STDOUT by writing every chunk
// the backend sends to a local file.
type fileCopyOutConsumer struct {
	f        *os.File
	received int64
}

func newFileCopyOutConsumer(path string) (*fileCopyOutConsumer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &fileCopyOutConsumer{f: f}, nil
}

func (c *fileCopyOutConsumer) Describe(columnCount int, binary bool) {
	out.Info(fmt.Sprintf("COPY TO STDOUT: %d columns, binary=%v", columnCount, binary))
}

func (c *fileCopyOutConsumer) Write(chunk []byte) error {
	c.received += int64(len(chunk))
	_, err := c.f.Write(chunk)
	return err
}

func (c *fileCopyOutConsumer) Close() error {
	out.Info(fmt.Sprintf("received %d bytes", c.received))
	return c.f.Close()
}
