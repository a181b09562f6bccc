package entity

import "time"

// Job tracks the progress of a group of tasks sharing a job id.
type Job struct {
	ID          int64
	Status      string
	Data        map[string]any
	Application string
	Meta        string
	Finished    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobUpdate describes a change to a tracked job. Nil fields are left untouched.
type JobUpdate struct {
	Status *string
	Data   map[string]any

	// AppendData merges Data into the stored data; stored keys win on conflict
	AppendData bool

	// End marks the job finished; finished jobs accept no further updates
	End bool
}

// Apply returns a copy of j with the update applied.
// Finished jobs are returned unchanged.
func (u JobUpdate) Apply(j Job) Job {
	if j.Finished {
		return j
	}
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Data != nil {
		merged := make(map[string]any, len(u.Data)+len(j.Data))
		for k, v := range u.Data {
			merged[k] = v
		}
		if u.AppendData {
			for k, v := range j.Data {
				merged[k] = v
			}
		}
		j.Data = merged
	}
	if u.End {
		j.Finished = true
	}
	return j
}
