package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"

	"cloud.google.com/go/bigquery"
)

var httpspeedSchema string

func init() {
	flag.StringVar(&httpspeedSchema, "httpspeed", "/var/spool/datatypes/httpspeed.json", "filename to write httpspeed schema")
}

func main() {
	flag.Parse()
	// Generate and save the archival schema for autoloading.
	sch, err := bigquery.InferSchema(model.ArchivalData{})
	rtx.Must(err, "failed to generate httpspeed schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal httpspeed schema")
	err = os.WriteFile(httpspeedSchema, b, 0o644)
	rtx.Must(err, "failed to write httpspeed schema")
}
