package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/tchajed/docdb/db"
)

const (
	payloadSize = 100
	numTags     = 16
)

// docGen produces benchmark keys and documents deterministically.
type docGen struct {
	rnd *rand.Rand
	key int64
}

func newDocGen() *docGen {
	return &docGen{rnd: rand.New(rand.NewSource(0))}
}

func (g *docGen) ReSeed(seed int64) {
	g.rnd.Seed(seed)
}

func (g *docGen) NextKey() int64 {
	k := g.key
	g.key++
	return k
}

func (g *docGen) RandomKey(max int) int64 {
	return g.rnd.Int63n(int64(max))
}

// Payload returns fresh random bytes for a document body.
func (g *docGen) Payload() []byte {
	b := make([]byte, payloadSize)
	g.rnd.Read(b)
	return b
}

// Doc returns the benchmark document for key.
func (g *docGen) Doc(key int64) db.Record {
	return db.Record{
		"k":     key,
		"tag":   fmt.Sprintf("t%02d", key%numTags),
		"score": float64(key) / 8,
		"v":     g.Payload(),
	}
}

// docBytes estimates the user data in rec, ignoring _id and _rev.
func docBytes(rec db.Record) int {
	n := 0
	for k, v := range rec {
		if k == db.IDField || k == db.RevField {
			continue
		}
		switch v := v.(type) {
		case []byte:
			n += len(v)
		case string:
			n += len(v)
		default:
			n += 8
		}
	}
	return n
}

// docStats counts what one benchmark did to documents.
type docStats struct {
	Docs   int
	Misses int
	Bytes  int
	Start  time.Time
	End    time.Time
}

func (s *docStats) Wrote(rec db.Record) {
	s.Docs++
	s.Bytes += docBytes(rec)
}

func (s *docStats) Read(rec db.Record) {
	s.Docs++
	s.Bytes += docBytes(rec)
}

// Missed counts a lookup of a key with no live document.
func (s *docStats) Missed() {
	s.Misses++
}

func (s docStats) seconds() float64 {
	return s.End.Sub(s.Start).Seconds()
}

func (s docStats) DocsPerSec() float64 {
	return float64(s.Docs) / s.seconds()
}

func (s docStats) MicrosPerDoc() float64 {
	return s.seconds() * 1e6 / float64(s.Docs)
}

func (s docStats) MegabytesPerSec() float64 {
	return float64(s.Bytes) / (1024 * 1024) / s.seconds()
}

func (s docStats) summary() string {
	if s.Docs == 0 {
		return fmt.Sprintf("%10.3f ms", s.seconds()*1e3)
	}
	line := fmt.Sprintf("%9.0f docs/s; %7.3f micros/doc; %6.1f MB/s",
		s.DocsPerSec(), s.MicrosPerDoc(), s.MegabytesPerSec())
	if s.Misses > 0 {
		line += fmt.Sprintf("; %d misses", s.Misses)
	}
	return line
}

// ioSummary formats file system counters over a run of secs seconds.
func ioSummary(ops, bytes int64, secs float64) string {
	return fmt.Sprintf("%9.0f ops/s; %6.1f MB/s [%6d kops]",
		float64(ops)/secs, float64(bytes)/(1024*1024)/secs, ops/1000)
}

// Bench is one benchmark run against one index.
type Bench struct {
	name  string
	index string
	*docGen
	*docStats
}

func NewBench(name, indexName string) Bench {
	return Bench{name, indexName, newDocGen(), &docStats{Start: time.Now()}}
}

// Report finishes the benchmark and prints its statistics.
func (b Bench) Report() {
	b.End = time.Now()
	fmt.Printf("%-12s %-6s : %s\n", b.name, b.index, b.summary())
}
