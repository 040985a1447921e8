package plan

import "errors"

var (
	ErrPlanNotFound   = errors.New("plan not found")
	ErrUnmappedPrice  = errors.New("price id does not map to any plan")
	ErrInvalidCatalog = errors.New("invalid plan catalog configuration")
)
