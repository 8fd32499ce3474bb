package req

import "encoding/json"

type BranchReq struct {
	Slug         string          `json:"slug" binding:"required"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Ratio        int             `json:"ratio" binding:"min=1"`
	FeatureValue json.RawMessage `json:"feature_value"`
}

type CreateExperimentReq struct {
	Slug                 string      `json:"slug" binding:"required"`
	Name                 string      `json:"name" binding:"required"`
	Application          string      `json:"application" binding:"required"`
	PublicDescription    string      `json:"public_description"`
	PopulationPercent    float64     `json:"population_percent" binding:"gte=0,lte=100"`
	TotalEnrolledClients int         `json:"total_enrolled_clients" binding:"gte=0"`
	ProposedEnrollment   int         `json:"proposed_enrollment" binding:"gte=0"`
	ProposedDuration     int         `json:"proposed_duration" binding:"gte=0"`
	TargetingConfig      string      `json:"targeting_config"`
	TargetingExpression  string      `json:"targeting_expression"`
	FeatureConfigs       []string    `json:"feature_configs"`
	ReferenceBranch      string      `json:"reference_branch"`
	Branches             []BranchReq `json:"branches" binding:"dive"`
}

// UpdateExperimentReq carries a partial update; nil fields are left alone.
type UpdateExperimentReq struct {
	Name                 *string      `json:"name"`
	PublicDescription    *string      `json:"public_description"`
	PopulationPercent    *float64     `json:"population_percent" binding:"omitempty,gte=0,lte=100"`
	TotalEnrolledClients *int         `json:"total_enrolled_clients" binding:"omitempty,gte=0"`
	ProposedEnrollment   *int         `json:"proposed_enrollment" binding:"omitempty,gte=0"`
	ProposedDuration     *int         `json:"proposed_duration" binding:"omitempty,gte=0"`
	IsEnrollmentPaused   *bool        `json:"is_enrollment_paused"`
	TargetingConfig      *string      `json:"targeting_config"`
	TargetingExpression  *string      `json:"targeting_expression"`
	FeatureConfigs       *[]string    `json:"feature_configs"`
	ReferenceBranch      *string      `json:"reference_branch"`
	Branches             *[]BranchReq `json:"branches"`
	Message              string       `json:"message"`
}

type TransitionReq struct {
	StatusNext string `json:"status_next" binding:"required"`
	Message    string `json:"message"`
}

type ActionReq struct {
	Message string `json:"message"`
}

type RejectReq struct {
	Comment string `json:"comment" binding:"required"`
}

type ListExperimentsReq struct {
	Application   string `form:"application"`
	Status        string `form:"status"`
	PublishStatus string `form:"publish_status"`
	Owner         string `form:"owner"`
	Search        string `form:"search"`
	Archived      *bool  `form:"archived"`
	Page          int    `form:"page,default=1" binding:"min=1"`
	PageSize      int    `form:"page_size,default=50" binding:"min=1,max=500"`
}

type CollectionReviewReq struct {
	Application string `json:"application" binding:"required"`
	Comment     string `json:"comment"`
}
