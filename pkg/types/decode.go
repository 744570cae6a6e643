package types

import "encoding/json"

// DecodeJobs parses a control-plane poll response body into Job values.
// The wire format has no discriminator field yet (§6.1: "the current
// format is implicitly container"); once a second variant exists this is
// the single place that needs to branch on one.
func DecodeJobs(body []byte) ([]Job, error) {
	var raw []ContainerJob
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raw))
	for i := range raw {
		j := raw[i]
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
