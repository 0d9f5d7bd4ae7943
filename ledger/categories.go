package ledger

// Category names seeded for every new tenant. Transactions carry free-text
// categories; these are defaults, not an exhaustive list.
const (
	CategoryMonthlyDues       = "Monthly Dues"
	CategorySpecialAssessment = "Special Assessment"
	CategoryFacilityRental    = "Facility Rental"
	CategoryAdvancePayment    = "Advance Payment"
	CategoryPenaltyIncome     = "Penalty Income"
)

// CategoryInfo describes a default category.
type CategoryInfo struct {
	Name        string
	Type        TxType
	Description string
}

var defaultCategories = []CategoryInfo{
	{CategoryMonthlyDues, TxIncome, "Regular monthly association dues from homeowners"},
	{CategorySpecialAssessment, TxIncome, "One-time assessments for specific projects or expenses"},
	{CategoryFacilityRental, TxIncome, "Income from clubhouse, pool, or other facility rentals"},
	{"Parking Fee", TxIncome, "Fees for parking spaces or stickers"},
	{"Move-in/Move-out Fee", TxIncome, "Fees charged when residents move in or out"},
	{CategoryAdvancePayment, TxIncome, "Bulk payments for future dues (credited to unit account)"},
	{"Interest Income", TxIncome, "Interest earned from bank deposits or investments"},
	{CategoryPenaltyIncome, TxIncome, "Late payment penalties collected from delinquent accounts"},
	{"Other Income", TxIncome, "Miscellaneous income not categorized elsewhere"},

	{"Salaries & Wages", TxExpense, "Compensation for staff, guards, and maintenance personnel"},
	{"Security Services", TxExpense, "Security agency fees and related expenses"},
	{"Utilities (Electric)", TxExpense, "Electricity for common areas, street lights, etc."},
	{"Utilities (Water)", TxExpense, "Water for common areas, landscaping, pool, etc."},
	{"Maintenance & Repairs", TxExpense, "General maintenance and repair of common facilities"},
	{"Office Supplies", TxExpense, "Stationery, printing materials, and office consumables"},
	{"Professional Fees", TxExpense, "Legal, accounting, and other professional services"},
	{"Insurance", TxExpense, "Property and liability insurance premiums"},
	{"Landscaping", TxExpense, "Gardening and grounds upkeep"},
	{"Garbage Collection", TxExpense, "Waste hauling and disposal"},
	{"Bank Charges", TxExpense, "Bank service fees"},
	{"Other Expenses", TxExpense, "Miscellaneous expenses not categorized elsewhere"},
}

// DefaultCategories returns the seed catalogue for the given type, or all of
// it when txType is empty.
func DefaultCategories(txType TxType) []CategoryInfo {
	var out []CategoryInfo
	for _, c := range defaultCategories {
		if txType == "" || c.Type == txType {
			out = append(out, c)
		}
	}
	return out
}

func inScope(scope []string, category string) bool {
	if len(scope) == 0 || category == "" {
		return true
	}
	for _, c := range scope {
		if c == category {
			return true
		}
	}
	return false
}
