package shared

// Scope is one permission the ERP modules check at request time.
type Scope struct {
	Name        string
	Description string
}

var defaultScopes = []Scope{
	{"users.view", "View users"},
	{"users.edit", "Edit users"},
	{"roles.view", "View roles"},
	{"roles.edit", "Edit roles and their permissions"},
	{"permissions.view", "View the permission catalog"},

	{"finance.gl.view", "View the general ledger"},
	{"finance.gl.edit", "Post general ledger entries"},
	{"finance.period.close", "Close accounting periods"},
	{"finance.override.lock", "Override period locks"},
	{"finance.view_analytics", "View finance analytics"},
	{"finance.export_analytics", "Export finance analytics"},
	{"finance.view_audit", "View finance audit trail"},
	{"finance.view_consolidation", "View consolidation"},
	{"finance.post_elimination", "Post elimination entries"},
	{"finance.manage_consolidation", "Manage consolidation groups"},
	{"finance.export_consolidation", "Export consolidation reports"},
	{"finance.view_insights", "View finance insights"},
	{"finance.export_insights", "Export finance insights"},

	{"sales.customer.view", "View customers"},
	{"sales.customer.create", "Create customers"},
	{"sales.customer.edit", "Edit customers"},
	{"sales.customer.delete", "Delete customers"},
	{"sales.quotation.view", "View quotations"},
	{"sales.quotation.create", "Create quotations"},
	{"sales.quotation.edit", "Edit quotations"},
	{"sales.quotation.approve", "Approve quotations"},
	{"sales.quotation.reject", "Reject quotations"},
	{"sales.quotation.convert", "Convert quotations to orders"},
	{"sales.order.view", "View sales orders"},
	{"sales.order.create", "Create sales orders"},
	{"sales.order.edit", "Edit sales orders"},
	{"sales.order.confirm", "Confirm sales orders"},
	{"sales.order.cancel", "Cancel sales orders"},

	{"delivery.order.view", "View delivery orders"},
	{"delivery.order.create", "Create delivery orders"},
	{"delivery.order.edit", "Edit delivery orders"},
	{"delivery.order.confirm", "Confirm delivery orders"},
	{"delivery.order.ship", "Ship delivery orders"},
	{"delivery.order.complete", "Complete delivery orders"},
	{"delivery.order.cancel", "Cancel delivery orders"},
	{"delivery.order.print", "Print delivery notes"},
}

// DefaultScopes returns the permission catalog provisioned for a fresh install.
func DefaultScopes() []Scope {
	out := make([]Scope, len(defaultScopes))
	copy(out, defaultScopes)
	return out
}
