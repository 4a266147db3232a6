package report

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"TinyYoloDet/codec"
	iface "TinyYoloDet/interface"
)

const Header = "File name,Class name,X,Y,W,H"

// Record is one CSV row: top-left corner and size of a detection, truncated to ints.
type Record struct {
	File  string
	Class string
	X, Y  int
	W, H  int
}

func NewRecord(file string, d iface.Detection) Record {
	return Record{
		File:  file,
		Class: codec.Label(d.ClassID),
		X:     int(d.XMin),
		Y:     int(d.YMin),
		W:     int(d.XMax - d.XMin),
		H:     int(d.YMax - d.YMin),
	}
}

func (r Record) String() string {
	return fmt.Sprintf("%s,%s,%d,%d,%d,%d", quote(r.File), quote(r.Class), r.X, r.Y, r.W, r.H)
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Collector accumulates records from concurrent goroutines.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

func (c *Collector) Add(records ...Record) {
	c.mu.Lock()
	c.records = append(c.records, records...)
	c.mu.Unlock()
}

func (c *Collector) AddResult(file string, detections []iface.Detection) {
	records := make([]Record, 0, len(detections))
	for _, d := range detections {
		records = append(records, NewRecord(file, d))
	}
	c.Add(records...)
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Records returns a copy ordered by file name; rows of one file keep insertion order.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	out := append([]Record(nil), c.records...)
	c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

func WriteCSV(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, Header); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := fmt.Fprintln(bw, r.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}
