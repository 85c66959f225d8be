package events

// PlanStep is one item of the plan declared by plan_created.
type PlanStep struct {
	StepNumber            int      `json:"step_number" jsonschema:"minimum=1"`
	Description           string   `json:"description"`
	VerificationChecklist []string `json:"verification_checklist"`
}

type PlanCreated struct {
	TotalSteps int        `json:"total_steps" jsonschema:"minimum=1"`
	Plan       []PlanStep `json:"plan"`
}

type StepStarted struct {
	StepNumber  int    `json:"step_number" jsonschema:"minimum=1"`
	Description string `json:"description"`
}

type StepOutput struct {
	StepNumber int    `json:"step_number" jsonschema:"minimum=1"`
	Output     string `json:"output"`
}

type VerifyPass struct {
	StepNumber int `json:"step_number" jsonschema:"minimum=1"`
}

type VerifyFail struct {
	StepNumber int    `json:"step_number" jsonschema:"minimum=1"`
	Reason     string `json:"reason"`
}

type RunCompleted struct {
	FinalOutput string `json:"final_output"`
}

type RunFailed struct {
	Error string `json:"error"`
}

func (PlanCreated) EventType() Type  { return TypePlanCreated }
func (StepStarted) EventType() Type  { return TypeStepStarted }
func (StepOutput) EventType() Type   { return TypeStepOutput }
func (VerifyPass) EventType() Type   { return TypeVerifyPass }
func (VerifyFail) EventType() Type   { return TypeVerifyFail }
func (RunCompleted) EventType() Type { return TypeRunCompleted }
func (RunFailed) EventType() Type    { return TypeRunFailed }
