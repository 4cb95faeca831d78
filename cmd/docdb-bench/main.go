// Command docdb-bench measures the throughput of common document
// operations.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tchajed/docdb/cache"
	"github.com/tchajed/docdb/db"
	"github.com/tchajed/docdb/db/memdb"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
)

const dbPath = "benchmark.db"

var benchmarks = flag.String("benchmarks", "fillseq,readseq,init,fillrandom,readrandom,readtag,update,scan,compact", "comma-separated list of benchmarks to run")
var dbType = flag.String("db", "docdb", "database to use (docdb|mem)")
var fsType = flag.String("fs", "dir", "filesystem to use for docdb (dir|mem)")
var indexKind = flag.String("index", "tree", "kind of the key index (hash|tree|sharded)")
var cacheKind = flag.String("cache", "", "index cache (lfu|random, empty for none)")
var compress = flag.Bool("compress", false, "compress records")
var numEntries = flag.Int("entries", 100000, "number of entries to put in database")
var numReads = flag.Int("reads", -1, "number of reads to perform (-1 to copy entries)")
var finalCompact = flag.Bool("final-compact", false, "force a compaction at end of each fill")
var deleteDatabase = flag.Bool("delete-db", false, "delete database directory on completion")
var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory cpu profile to `file`")
var printStats = flag.Bool("stats", false, "print out filesystem stats")
var verbose = flag.Bool("v", false, "log database events")

var log = logrus.New()

func initFs() fs.Filesys {
	switch *fsType {
	case "dir":
		filesys, err := fs.DirFs(dbPath)
		if err != nil {
			log.WithError(err).Fatal("could not open benchmark directory")
		}
		return filesys
	case "mem":
		return fs.MemFs()
	}
	log.Fatalf("unknown file system %s", *fsType)
	return nil
}

func keyIndex() index.Definition {
	def := index.Definition{Name: "k", Kind: index.Kind(*indexKind), KeyFormat: "q", Field: "k"}
	if def.Kind == index.KindSharded {
		def.ShardKind = index.KindHash
	}
	return def
}

// tagIndex groups documents into numTags classes, in insertion order.
func tagIndex() index.Definition {
	return index.Definition{Name: "tag", Kind: index.KindMultiTree, KeyFormat: "3s", Field: "tag"}
}

func options() db.Options {
	opts := db.DefaultOptions()
	opts.Indexes = []index.Definition{keyIndex(), tagIndex()}
	opts.Compress = *compress
	opts.Cache = db.CacheOptions{Kind: cache.Kind(*cacheKind)}
	opts.Logger = log
	return opts
}

func initDb(filesys fs.Filesys) db.Store {
	switch *dbType {
	case "docdb":
		if err := fs.DeleteAll(filesys); err != nil {
			log.WithError(err).Fatal("could not clear benchmark directory")
		}
		d, err := db.CreateStore(filesys, options())
		if err != nil {
			log.WithError(err).Fatal("could not create database")
		}
		return d
	case "mem":
		m, err := memdb.New(keyIndex(), tagIndex())
		if err != nil {
			log.WithError(err).Fatal("could not create database")
		}
		return m
	}
	log.Fatalf("unknown database type %s", *dbType)
	return nil
}

// reopenDb opens the database again from its files.
func reopenDb(filesys fs.Filesys, d db.Store) db.Store {
	if *dbType == "mem" {
		return d
	}
	if err := d.Close(); err != nil {
		log.WithError(err).Fatal("close failed")
	}
	s, err := db.OpenStore(filesys, options())
	if err != nil {
		log.WithError(err).Fatal("could not open database")
	}
	return s
}

func showNum(i int) string {
	if i > 2000 {
		if i%1000 == 0 {
			return fmt.Sprintf("%dK", i/1000)
		}
		return fmt.Sprintf("%.1fK", float64(i)/1000)
	}
	return fmt.Sprintf("%d", i)
}

func writeMemProfile(fname string) {
	f, err := os.Create(fname)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
	f.Close()
}

func fill(d db.Store, b Bench, key func() int64) {
	for i := 0; i < *numEntries; i++ {
		rec := b.Doc(key())
		if _, _, err := d.Insert(rec); err != nil {
			log.WithError(err).Fatal("insert failed")
		}
		b.Wrote(rec)
	}
	if *finalCompact {
		if err := d.Compact(); err != nil {
			log.WithError(err).Fatal("compaction failed")
		}
	}
}

func read(d db.Store, b Bench, key func() int64) {
	for i := 0; i < *numReads; i++ {
		rec, err := d.Get(b.index, key())
		if dberr.IsNotFound(err) {
			b.Missed()
			continue
		}
		if err != nil {
			log.WithError(err).Fatal("get failed")
		}
		b.Read(rec)
	}
}

// readTag reads every document of one tag per iteration, until numReads
// documents have been read.
func readTag(d db.Store, b Bench) {
	for t := 0; b.Docs < *numReads; t++ {
		it := d.GetMany(b.index, fmt.Sprintf("t%02d", t%numTags))
		found := false
		for it.HasNext() && b.Docs < *numReads {
			b.Read(it.Next())
			found = true
		}
		if err := it.Err(); err != nil {
			log.WithError(err).Fatal("tag scan failed")
		}
		if !found {
			b.Missed()
			if t >= numTags {
				return
			}
		}
	}
}

func runBenchmarks(filesys fs.Filesys, d db.Store) time.Time {
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}
	if *memprofile != "" {
		defer writeMemProfile(*memprofile)
	}

	benchmarkNames := strings.Split(*benchmarks, ",")
	for _, name := range benchmarkNames {
		b := NewBench(name, "k")
		switch name {
		case "fillseq":
			fill(d, b, b.NextKey)
		case "fillrandom":
			fill(d, b, func() int64 { return b.RandomKey(*numEntries) })
		case "readseq":
			read(d, b, b.NextKey)
		case "readrandom":
			// read in a different random order from random writes
			b.ReSeed(1)
			read(d, b, func() int64 { return b.RandomKey(*numEntries) })
		case "readtag":
			b.index = "tag"
			readTag(d, b)
		case "update":
			for i := 0; i < *numReads; i++ {
				rec, err := d.Get(b.index, b.RandomKey(*numEntries))
				if dberr.IsNotFound(err) {
					b.Missed()
					continue
				}
				if err != nil {
					log.WithError(err).Fatal("get failed")
				}
				rec["v"] = b.Payload()
				if _, err := d.Update(rec); err != nil {
					log.WithError(err).Fatal("update failed")
				}
				b.Wrote(rec)
			}
		case "scan":
			b.index = db.IDIndex
			it := d.All(b.index)
			for it.HasNext() {
				b.Read(it.Next())
			}
			if err := it.Err(); err != nil {
				log.WithError(err).Fatal("scan failed")
			}
		case "compact":
			b.index = "*"
			if err := d.Compact(); err != nil {
				log.WithError(err).Fatal("compaction failed")
			}
		case "init":
			b.index = "*"
			d = reopenDb(filesys, d)
		default:
			fmt.Fprintf(os.Stderr, "unknown benchmark %s\n", name)
			os.Exit(1)
		}
		b.Report()
	}
	end := time.Now()
	if err := d.Close(); err != nil {
		log.WithError(err).Error("close failed")
	}
	return end
}

func main() {
	flag.Parse()

	if len(flag.Args()) > 0 {
		fmt.Fprintln(os.Stderr, "extra command line arguments", flag.Args())
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		log.SetLevel(logrus.InfoLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	if *numReads == -1 {
		*numReads = *numEntries
	}

	totalBytes := float64(*numEntries * docBytes(newDocGen().Doc(0)))
	reportedDatabase := *dbType
	if *fsType != "dir" {
		reportedDatabase += fmt.Sprintf(" (%s)", *fsType)
	}
	for _, info := range []struct {
		Key   string
		Value string
	}{
		{"database", reportedDatabase},
		{"index", *indexKind},
		{"entries", showNum(*numEntries)},
		{"final compaction?", fmt.Sprintf("%v", *finalCompact)},
		{"total data (MB)", fmt.Sprintf("%.1f", totalBytes/(1024*1024))},
	} {
		fmt.Printf("%20s %s\n", info.Key+":", info.Value)
	}
	fmt.Println(strings.Repeat("-", 30))

	filesys := initFs()
	d := initDb(filesys)
	start := time.Now()
	end := runBenchmarks(filesys, d)

	if *printStats {
		fsstats := filesys.GetStats()
		secs := end.Sub(start).Seconds()
		fmt.Printf("%-21s : %s\n", "[meta] fs-writes", ioSummary(fsstats.WriteOps, fsstats.WriteBytes, secs))
		fmt.Printf("%-21s : %s\n", "[meta] fs-reads", ioSummary(fsstats.ReadOps, fsstats.ReadBytes, secs))
	}

	if *deleteDatabase {
		os.RemoveAll(dbPath)
	}
}
