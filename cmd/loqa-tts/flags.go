package main

import (
	"flag"
	"io"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/config"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type options struct {
	configPath  string
	showVersion bool

	host            string
	port            int
	model           string
	speaker         int
	lengthScale     float64
	noiseScale      float64
	noiseWScale     float64
	cuda            bool
	sentenceSilence float64
	dataDirs        stringList
	downloadDir     string
	debug           bool

	set map[string]bool
}

func parseFlags(name string, args []string, output io.Writer) (*options, error) {
	o := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&o.configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	fs.StringVar(&o.host, "host", "", "HTTP server host")
	fs.IntVar(&o.port, "port", 0, "HTTP server port")
	fs.StringVar(&o.model, "model", "", "Path to the default voice model or its id")
	fs.StringVar(&o.model, "m", "", "Shorthand for -model")
	fs.IntVar(&o.speaker, "speaker", 0, "Default speaker id for multi-speaker voices")
	fs.IntVar(&o.speaker, "s", 0, "Shorthand for -speaker")
	fs.Float64Var(&o.lengthScale, "length-scale", 0, "Phoneme length")
	fs.Float64Var(&o.noiseScale, "noise-scale", 0, "Generator noise")
	fs.Float64Var(&o.noiseWScale, "noise-w-scale", 0, "Phoneme width noise")
	fs.BoolVar(&o.cuda, "cuda", false, "Use GPU")
	fs.Float64Var(&o.sentenceSilence, "sentence-silence", 0, "Seconds of silence after each sentence")
	fs.Var(&o.dataDirs, "data-dir", "Data directory to check for downloaded models (repeatable)")
	fs.StringVar(&o.downloadDir, "download-dir", "", "Path to download voices (default: first data dir)")
	fs.BoolVar(&o.debug, "debug", false, "Print DEBUG messages to the console")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "m":
			o.set["model"] = true
		case "s":
			o.set["speaker"] = true
		default:
			o.set[f.Name] = true
		}
	})
	return o, nil
}

// override applies the flags given on the command line on top of file and environment settings.
func (o *options) override(cfg *config.Config) {
	if o.set["host"] {
		cfg.HTTP.Bind = o.host
	}
	if o.set["port"] {
		cfg.HTTP.Port = o.port
	}
	if o.set["model"] {
		cfg.Voices.Model = o.model
	}
	if o.set["speaker"] {
		speaker := o.speaker
		cfg.Synthesis.Speaker = &speaker
	}
	if o.set["length-scale"] {
		v := o.lengthScale
		cfg.Synthesis.LengthScale = &v
	}
	if o.set["noise-scale"] {
		v := o.noiseScale
		cfg.Synthesis.NoiseScale = &v
	}
	if o.set["noise-w-scale"] {
		v := o.noiseWScale
		cfg.Synthesis.NoiseWScale = &v
	}
	if o.set["cuda"] {
		cfg.Engine.UseCUDA = o.cuda
	}
	if o.set["sentence-silence"] {
		cfg.Synthesis.SentenceSilence = o.sentenceSilence
	}
	if len(o.dataDirs) > 0 {
		cfg.Voices.DataDirs = append(cfg.Voices.DataDirs, o.dataDirs...)
	}
	if o.set["download-dir"] {
		cfg.Voices.DownloadDir = o.downloadDir
	}
	if o.debug {
		cfg.Telemetry.LogLevel = "debug"
	}
}
