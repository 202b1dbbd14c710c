package models

import (
	"github.com/guregu/null/v6"
)

// This file contains the models read from the `pgagent` schema

// JobRow is a due job claimed by this agent from `pgagent.pga_job`
type JobRow struct {
	ID          int64       `db:"jobid"`
	Name        string      `db:"jobname"`
	Description null.String `db:"jobdesc"`
}

// StepRow is a single enabled step of a job from `pgagent.pga_jobstep`. The short-code columns
// are kept raw and decoded when the step is built so that a bad code fails only that step.
type StepRow struct {
	ID          int64       `db:"jstid"`
	Name        string      `db:"jstname"`
	Description null.String `db:"jstdesc"`
	KindCode    string      `db:"jstkind"`
	Code        string      `db:"jstcode"`
	ConnStr     null.String `db:"jstconnstr"`
	DBName      null.String `db:"jstdbname"`
	OnErrorCode string      `db:"jstonerror"`
}

// StepResult is the immutable outcome of a single step run
type StepResult struct {
	Status StepStatus
	Code   int
	Output string
}

// Credential is a login used to run a SQL step
type Credential struct {
	Login    string `db:"login"`
	Password string `db:"password"`
}
