package health

import (
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"golang.org/x/sys/unix"
)

// loadShift is SI_LOAD_SHIFT from linux/kernel.h.
const loadShift = 1 << 16

func diskUsage(path string) (model.DiskInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return model.DiskInfo{}, err
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	d := model.DiskInfo{
		Free:  free,
		Total: total,
		Used:  total - free,
	}
	if total > 0 {
		d.PercentFree = float64(free) / float64(total) * 100
	}
	return d, nil
}

func loadAverage() (float64, float64, float64) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0, 0
	}
	return float64(si.Loads[0]) / loadShift,
		float64(si.Loads[1]) / loadShift,
		float64(si.Loads[2]) / loadShift
}
