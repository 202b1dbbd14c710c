package api

import (
	"errors"
	"strings"
)

type KillJobRequest struct {
	Reason string `json:"reason"`
}

func (k *KillJobRequest) validate() error {
	k.Reason = strings.TrimSpace(k.Reason)
	if len(k.Reason) > 1024 {
		return errors.New("reason must be at most 1024 characters")
	}
	return nil
}

type KillJobResponse struct {
	JobID     int64 `json:"job_id"`
	Killed    bool  `json:"killed"`
	Forwarded bool  `json:"forwarded"`
}
