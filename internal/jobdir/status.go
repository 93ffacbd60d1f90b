package jobdir

// Status is the lifecycle state of a job directory.
type Status string

const (
	StatusUnknown  Status = "UNKNOWN"
	StatusQueued   Status = "QUEUED"
	StatusStarted  Status = "STARTED"
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusFailed   Status = "FAILED"
)

// Marker file names. RUNNING has no marker; it is STARTED confirmed by the scheduler queue.
const (
	MarkerQueued    = "QUEUED"
	MarkerStarted   = "STARTED"
	MarkerComplete  = "COMPLETE"
	MarkerFailed    = "FAILED"
	DescriptorName  = "RUNME"
	SchedulerPrefix = "slurm-"
)

var markerPriority = []struct {
	marker string
	status Status
}{
	{MarkerComplete, StatusComplete},
	{MarkerFailed, StatusFailed},
	{MarkerStarted, StatusStarted},
	{MarkerQueued, StatusQueued},
}

// FromMarkers picks the status from the file names present in a job directory.
// COMPLETE beats FAILED beats STARTED beats QUEUED; none of them is UNKNOWN.
func FromMarkers(names map[string]bool) Status {
	for _, m := range markerPriority {
		if names[m.marker] {
			return m.status
		}
	}
	return StatusUnknown
}
