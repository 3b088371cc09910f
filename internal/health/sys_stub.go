//go:build !linux
// +build !linux

package health

import (
	"errors"

	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
)

func diskUsage(string) (model.DiskInfo, error) {
	return model.DiskInfo{}, errors.New("disk usage not supported")
}

func loadAverage() (float64, float64, float64) {
	return 0, 0, 0
}
