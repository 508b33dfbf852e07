package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/polarsignals/ctf-open/pkg/ctfenv"
	"github.com/polarsignals/ctf-open/pkg/logger"
)

type flags struct {
	LogLevel  string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`
	Debug     bool   `kong:"help='Trace how CTF data is opened, as if LIBCTF_DEBUG were set.'"`

	Info  infoCmd  `kong:"cmd,help='Describe the CTF data held by a file.'"`
	Embed embedCmd `kong:"cmd,help='Write a CTF file into an ELF object as its .ctf section.'"`
}

type runContext struct {
	logger log.Logger
}

func main() {
	flags := flags{}
	ctx := kong.Parse(&flags,
		kong.Name("ctf-open"),
		kong.Description("Open CTF type information from raw files, archives and object files."),
	)
	l := logger.NewLogger(flags.LogLevel, flags.LogFormat, "")

	ctfenv.SetLogger(logger.NewLogger("debug", flags.LogFormat, "libctf"))
	if flags.Debug {
		ctfenv.SetDebug(true)
	}

	if err := ctx.Run(&runContext{logger: l}); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
}
