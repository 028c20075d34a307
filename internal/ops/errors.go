package ops

const (
	errInternalServer  = "Internal server error"
	errJobNotFound     = "Job not found"
	errJobNotDiscarded = "Job is not discarded"
)
