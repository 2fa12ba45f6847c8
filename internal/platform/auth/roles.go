package auth

// Role names recognized across the service. Admin implies every other role.
const (
	RoleAdmin           = "admin"
	RoleReviewer        = "reviewer"
	RoleQCReviewer      = "qc_reviewer"
	RoleDataEntry       = "data_entry"
	RoleMedicalReviewer = "medical_reviewer"
)
