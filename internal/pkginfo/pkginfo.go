// Package pkginfo reads the table of contents of installer packages.
package pkginfo

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

const xarMagic = "xar!"

// Entry is one file inside a package.
type Entry struct {
	Path string
	Size int64
	Dir  bool
}

// Info describes the content of a package.
type Info struct {
	Format string
	// Distribution is true for product archives carrying a Distribution file
	Distribution bool
	Entries      []Entry
}

type xarHeader struct {
	Magic           [4]byte
	Size            uint16
	Version         uint16
	TOCCompressed   uint64
	TOCUncompressed uint64
	ChecksumAlgo    uint32
}

type xarFile struct {
	Name  string    `xml:"name"`
	Type  string    `xml:"type"`
	Size  int64     `xml:"data>size"`
	Files []xarFile `xml:"file"`
}

type xarDoc struct {
	Files []xarFile `xml:"toc>file"`
}

/**
 * Inspect a flat .pkg (xar) or .zip package
 * @param {string} name - Path of the package file
 * @returns {*Info} Entries sorted by path
 */
func Inspect(name string) (*Info, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".zip":
		return inspectZip(name)
	default:
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return InspectXar(f)
	}
}

// InspectXar reads the zlib compressed XML table of contents of a xar archive.
func InspectXar(r io.Reader) (*Info, error) {
	var hdr xarHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read xar header: %w", err)
	}
	if string(hdr.Magic[:]) != xarMagic {
		return nil, fmt.Errorf("not a flat package (bad magic %q)", hdr.Magic[:])
	}
	// 头部可能比结构体长
	if extra := int64(hdr.Size) - int64(binary.Size(hdr)); extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return nil, err
		}
	}
	compressed := make([]byte, hdr.TOCCompressed)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("read xar toc: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("inflate xar toc: %w", err)
	}
	defer zr.Close()

	var doc xarDoc
	if err := xml.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse xar toc: %w", err)
	}

	info := &Info{Format: "xar"}
	for _, f := range doc.Files {
		if f.Name == "Distribution" && f.Type != "directory" {
			info.Distribution = true
		}
		walkXar(info, "", f)
	}
	sortEntries(info.Entries)
	return info, nil
}

func walkXar(info *Info, parent string, f xarFile) {
	p := path.Join(parent, f.Name)
	info.Entries = append(info.Entries, Entry{Path: p, Size: f.Size, Dir: f.Type == "directory"})
	for _, child := range f.Files {
		walkXar(info, p, child)
	}
}

func inspectZip(name string) (*Info, error) {
	zr, err := zip.OpenReader(name)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	info := &Info{Format: "zip"}
	for _, f := range zr.File {
		info.Entries = append(info.Entries, Entry{
			Path: strings.TrimSuffix(f.Name, "/"),
			Size: int64(f.UncompressedSize64),
			Dir:  f.FileInfo().IsDir(),
		})
	}
	sortEntries(info.Entries)
	return info, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}
