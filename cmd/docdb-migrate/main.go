// Command docdb-migrate copies every document of one database directory
// into a new database directory with the same storages and indexes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tchajed/docdb/db"
	"github.com/tchajed/docdb/fs"
)

var log = logrus.New()

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <source dir> <destination dir>\n", os.Args[0])
	flag.PrintDefaults()
}

// migrate copies src into dst, which must not hold a database yet.
func migrate(src, dst, config string) (int, error) {
	opts := db.DefaultOptions()
	if config != "" {
		var err error
		if opts, err = db.LoadOptions(config); err != nil {
			return 0, err
		}
	}
	opts.Logger = log
	if _, err := os.Stat(src); err != nil {
		return 0, errors.Wrap(err, "source")
	}
	from, err := fs.DirFs(src)
	if err != nil {
		return 0, errors.Wrap(err, "source")
	}
	to, err := fs.DirFs(dst)
	if err != nil {
		return 0, errors.Wrap(err, "destination")
	}
	return db.MigrateFs(from, to, opts)
}

func main() {
	config := flag.String("config", "", "YAML options file (key functions cannot be configured)")
	verbose := flag.Bool("v", false, "log progress")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	if *verbose {
		log.SetLevel(logrus.InfoLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	n, err := migrate(flag.Arg(0), flag.Arg(1), *config)
	if err != nil {
		log.WithError(err).Fatal("migration failed")
	}
	fmt.Printf("copied %d documents\n", n)
}
