package d365

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// CompanyMode controls how a query is scoped across D365 legal entities.
type CompanyMode string

const (
	// CompanyModeAuto derives the mode from the query's dataAreaId filter.
	CompanyModeAuto CompanyMode = "auto"
	// CompanyModeDefault scopes to the configured default company.
	CompanyModeDefault CompanyMode = "default"
	// CompanyModeSpecific targets one non-default company.
	CompanyModeSpecific CompanyMode = "specific"
	// CompanyModeAll queries across every company.
	CompanyModeAll CompanyMode = "all"
)

var dataAreaIDFilter = regexp.MustCompile(`(?i)dataAreaId\s+eq\s+'([^']+)'`)

// DetermineCompanyMode inspects an OData query string for a dataAreaId
// filter. No filter means all companies; a filter naming the default company
// means default; anything else is a specific company.
func DetermineCompanyMode(query, defaultCompany string) CompanyMode {
	m := dataAreaIDFilter.FindStringSubmatch(query)
	if m == nil {
		return CompanyModeAll
	}
	if strings.EqualFold(m[1], defaultCompany) {
		return CompanyModeDefault
	}
	return CompanyModeSpecific
}

// BuildQueryURL applies D365's documented company routing rules to an OData
// query:
//
//   - default company: no cross-company parameter, dataAreaId filter removed
//   - specific company: both cross-company=true and the dataAreaId filter
//   - all companies: cross-company=true only, dataAreaId filter removed
func BuildQueryURL(resource, entitySet, query string, mode CompanyMode) (string, error) {
	base := resource + "/data/" + entitySet

	if query != "" && !strings.HasPrefix(query, "?") {
		query = "?" + query
	}

	switch mode {
	case CompanyModeDefault:
		return base + stripDataAreaFilter(query), nil
	case CompanyModeSpecific:
		return base + appendCrossCompany(query), nil
	case CompanyModeAll:
		return base + appendCrossCompany(stripDataAreaFilter(query)), nil
	default:
		return "", fmt.Errorf("unknown company mode %q", mode)
	}
}

var (
	dataAreaClause = regexp.MustCompile(`(?i)[&?]?dataAreaId\s+eq\s+'[^']+'\s*[&]?`)
	doubleAmp      = regexp.MustCompile(`[&]{2,}`)
	questionAmp    = regexp.MustCompile(`[?]&`)
)

func stripDataAreaFilter(query string) string {
	query = dataAreaClause.ReplaceAllString(query, "")
	query = doubleAmp.ReplaceAllString(query, "&")
	query = questionAmp.ReplaceAllString(query, "?")
	return strings.TrimRight(query, "&")
}

func appendCrossCompany(query string) string {
	if strings.Contains(query, "cross-company") {
		return query
	}
	separator := "?"
	if strings.Contains(query, "?") {
		separator = "&"
	}
	return query + separator + "cross-company=true"
}

// entityKeyURL renders a keyed OData resource path for update and delete,
// e.g. /data/CustomersV3(dataAreaId='usmf',CustomerAccount='C-001').
// Key order is sorted for deterministic URLs.
func entityKeyURL(resource, entitySet string, keys map[string]string) string {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s='%s'", k, strings.ReplaceAll(keys[k], "'", "''")))
	}
	return fmt.Sprintf("%s/data/%s(%s)", resource, entitySet, strings.Join(parts, ","))
}
