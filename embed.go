package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/polarsignals/ctf-open/pkg/ctf"
	"github.com/polarsignals/ctf-open/pkg/ctfopen"
	"github.com/polarsignals/ctf-open/pkg/elfwriter"
)

type embedCmd struct {
	Path      string   `kong:"required,arg,name='ctf-file',help='Raw CTF file or CTF archive to embed.',type:'path'"`
	Out       string   `kong:"required,short='o',help='Object file to write.',type:'path'"`
	Class     string   `kong:"enum='elf32,elf64',help='ELF class of the object.',default='elf64'"`
	BigEndian bool     `kong:"help='Write a big-endian object.'"`
	Symbol    []string `kong:"help='Symbol to add to the object symbol table.'"`
}

func (c *embedCmd) Run(rc *runContext) error {
	data, err := readCTF(c.Path)
	if err != nil {
		return err
	}

	fhdr := &elf.FileHeader{
		Class:     elf.ELFCLASS64,
		Data:      elf.ELFDATA2LSB,
		ByteOrder: binary.LittleEndian,
		Type:      elf.ET_REL,
		Machine:   elf.EM_NONE,
	}
	if c.Class == "elf32" {
		fhdr.Class = elf.ELFCLASS32
	}
	if c.BigEndian {
		fhdr.Data = elf.ELFDATA2MSB
		fhdr.ByteOrder = binary.BigEndian
	}

	return writeObject(rc.logger, c.Out, fhdr, data, c.Symbol)
}

// readCTF returns the contents of path once they open as a raw CTF container
// or a CTF archive.
func readCTF(path string) ([]byte, error) {
	a, err := ctfopen.Open(path, "")
	if err != nil {
		return nil, fmt.Errorf("failed to open CTF: %w", err)
	}
	isObject := a.Object() != nil
	if err := a.Close(); err != nil {
		return nil, fmt.Errorf("failed to close CTF: %w", err)
	}
	if isObject {
		return nil, fmt.Errorf("%s is an object file already", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CTF: %w", err)
	}
	return data, nil
}

func writeObject(logger log.Logger, path string, fhdr *elf.FileHeader, data []byte, symbols []string) (err error) {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(path)
		}
	}()

	w, err := elfwriter.New(output, fhdr, elfwriter.WithSymbols(symbols...))
	if err != nil {
		output.Close()
		return fmt.Errorf("failed to initialize writer: %w", err)
	}
	w.Sections = append(w.Sections, &elfwriter.Section{
		Name:      ctf.SectionName,
		Type:      elf.SHT_PROGBITS,
		Addralign: 8,
		Data:      data,
	})

	if err := w.Write(); err != nil {
		return errors.Join(fmt.Errorf("failed to write: %w", err), w.Close())
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	level.Info(logger).Log("msg", "wrote object", "path", path, "ctf_size", len(data), "symbols", len(symbols))
	return nil
}
