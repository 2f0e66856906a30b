package builtin

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/mako10k/vproc/internal/proc"
)

// Gzip compresses its input to stdout, or decompresses it with -d.
func Gzip(p *proc.Process, args []string) error {
	fs := flags(p, "[-d] [file...]")
	decompress := fs.BoolP("decompress", "d", false, "decompress")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *decompress {
		return gunzip(p, fs.Args())
	}

	zw := gzip.NewWriter(p.Stdout())
	err := processInput(p, fs.Args(), func(_ string, r io.Reader) error {
		_, err := io.Copy(zw, r)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

// Gunzip decompresses gzip input to stdout.
func Gunzip(p *proc.Process, args []string) error {
	return gunzip(p, args)
}

func gunzip(p *proc.Process, files []string) error {
	return processInput(p, files, func(_ string, r io.Reader) error {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer zr.Close()
		_, err = io.Copy(p.Stdout(), zr)
		return err
	})
}

// Zstd compresses its input to stdout, or decompresses it with -d.
func Zstd(p *proc.Process, args []string) error {
	fs := flags(p, "[-d] [file...]")
	decompress := fs.BoolP("decompress", "d", false, "decompress")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *decompress {
		return unzstd(p, fs.Args())
	}

	enc, err := zstd.NewWriter(p.Stdout(), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	err = processInput(p, fs.Args(), func(_ string, r io.Reader) error {
		_, err := io.Copy(enc, r)
		return err
	})
	if err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Unzstd decompresses zstd input to stdout.
func Unzstd(p *proc.Process, args []string) error {
	return unzstd(p, args)
}

func unzstd(p *proc.Process, files []string) error {
	return processInput(p, files, func(_ string, r io.Reader) error {
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return err
		}
		defer dec.Close()
		_, err = io.Copy(p.Stdout(), dec)
		return err
	})
}
