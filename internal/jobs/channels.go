package jobs

import "strings"

// PendingChannel is the single channel every worker subscribes to.
const PendingChannel = "jobs:pending"

const resultPrefix = "results:"

// ResultChannel returns the per-job result channel name.
func ResultChannel(jobID string) string {
	return resultPrefix + jobID
}

// JobIDFromChannel extracts the job id from a result channel name.
func JobIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, resultPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, resultPrefix)
	return id, id != ""
}
