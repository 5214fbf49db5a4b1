package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/pelletier/go-toml"
	log "github.com/sirupsen/logrus"

	"sibt"
)

// config mirrors the configuration the database file was created with; an
// offline verifier has to be told what the file is supposed to look like.
type config struct {
	AllocSize       uint32 `toml:"alloc_size"`
	IntlMin         uint32 `toml:"intl_min"`
	IntlMax         uint32 `toml:"intl_max"`
	LeafMin         uint32 `toml:"leaf_min"`
	LeafMax         uint32 `toml:"leaf_max"`
	FixedLen        uint32 `toml:"fixed_len"`
	KeyCompression  string `toml:"key_compression"`
	DataCompression string `toml:"data_compression"`
}

func main() {
	cfgPath := flag.String("config", "", "TOML file with the database configuration")
	dump := flag.Bool("dump", false, "dump verified pages to stdout")
	quiet := flag.Bool("quiet", false, "suppress progress reporting")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file.toml] [-dump] [-quiet] file.sibt\n", os.Args[0])
		os.Exit(2)
	}

	opts := &sibt.Options{ReadOnly: true}
	if *cfgPath != "" {
		cfg, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("load config: %s", err)
		}
		opts.AllocSize = cfg.AllocSize
		opts.IntlMin, opts.IntlMax = cfg.IntlMin, cfg.IntlMax
		opts.LeafMin, opts.LeafMax = cfg.LeafMin, cfg.LeafMax
		opts.FixedLen = cfg.FixedLen
		if opts.KeyCompression, err = sibt.ParseCompression(cfg.KeyCompression); err != nil {
			log.Fatalf("load config: %s", err)
		}
		if opts.DataCompression, err = sibt.ParseCompression(cfg.DataCompression); err != nil {
			log.Fatalf("load config: %s", err)
		}
	}

	db, err := sibt.Open(flag.Arg(0), 0644, opts)
	if err != nil {
		log.Fatalf("open %s: %s", flag.Arg(0), err)
	}
	defer db.Close()

	vopts := &sibt.VerifyOptions{}
	if !*quiet {
		vopts.Progress = func(name string, count uint64) {
			log.Infof("%s: %d pages verified", name, count)
		}
	}
	if *dump {
		vopts.Dump = os.Stdout
	}

	if err := db.Verify(vopts); err != nil {
		log.Fatalf("verify %s: %s", flag.Arg(0), err)
	}
	fmt.Println("OK")
}

func loadConfig(path string) (*config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
