package acquire

import "github.com/warchest/warchest/manifest"

// Phase is where an acquisition currently is. Phases always advance in
// order; a failed acquisition jumps to PhaseFailed from wherever it was.
type Phase int

const (
	PhasePending Phase = iota
	PhaseDownloading
	PhaseExtracting
	PhaseCopying
	PhaseValidatingManifest
	PhaseValidatingFiles
	PhaseDelivering
	PhaseCompleted
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhasePending:            "pending",
	PhaseDownloading:        "downloading",
	PhaseExtracting:         "extracting",
	PhaseCopying:            "copying",
	PhaseValidatingManifest: "validating manifest",
	PhaseValidatingFiles:    "validating files",
	PhaseDelivering:         "delivering",
	PhaseCompleted:          "completed",
	PhaseFailed:             "failed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// Each phase owns a fixed slice of the overall percentage, so progress
// shown to a user moves monotonically through an acquisition no matter
// how long each phase takes.
var phaseBands = map[Phase][2]int{
	PhasePending:            {0, 0},
	PhaseDownloading:        {0, 40},
	PhaseExtracting:         {40, 60},
	PhaseCopying:            {60, 70},
	PhaseValidatingManifest: {70, 75},
	PhaseValidatingFiles:    {75, 90},
	PhaseDelivering:         {90, 100},
	PhaseCompleted:          {100, 100},
}

// percent maps a fraction through a phase to the overall percentage.
func percent(p Phase, fraction float64) int {
	band, ok := phaseBands[p]
	if !ok {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return band[0] + int(fraction*float64(band[1]-band[0]))
}

// Progress is one status report from a running acquisition.
type Progress struct {
	ID      manifest.ID
	Phase   Phase
	Percent int // overall, 0 through 100
	Detail  string
}

// An Observer receives progress reports. Observers are called from the
// acquiring goroutine and should return quickly.
type Observer func(Progress)
