// Package persistence writes archival data files and keeps the archive
// directory within age and size limits.
package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile is the file where we save measurements.
type DataFile struct {
	// Prefix is the archive root directory.
	Prefix string
	// Datatype is the first path component under Prefix.
	Datatype string
	// Subtest is part of the file name.
	Subtest string
	// UUID is the last part of the file name.
	UUID string
	// Path is the full path of the file.
	Path string
	// Size is the number of bytes written to disk.
	Size int
}

// WriteDataFile writes the JSON representation of v to a new file under
// datadir/datatype/YYYY/MM/DD/ and returns its description.
func WriteDataFile(datadir, datatype, subtest, uuid string, v any) (*DataFile, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return writeDataFile(datadir, datatype, subtest, uuid, ".json", data)
}

// WriteCompressedDataFile is like WriteDataFile, but the JSON is gzipped and
// the file name ends in .json.gz.
func WriteCompressedDataFile(datadir, datatype, subtest, uuid string, v any) (*DataFile, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return writeDataFile(datadir, datatype, subtest, uuid, ".json.gz", buf.Bytes())
}

func writeDataFile(datadir, datatype, subtest, uuid, ext string,
	data []byte) (*DataFile, error) {
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	name := datatype + "-" + subtest + "-" +
		timestamp.Format("20060102T150405.000000000Z") + "." + uuid + ext
	filepath := path.Join(dir, name)
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(data)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     n,
	}, nil
}
