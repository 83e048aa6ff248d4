package model

// DataEntityNamespace is the namespace D365 Finance & Operations assigns to
// its data entities and enums in the OData $metadata document. It is the
// prefix of the fully qualified reference syntax used in OData filters.
const DataEntityNamespace = "Microsoft.Dynamics.DataEntities"

// Relationship types derived from a navigation property's type string.
// Collection-wrapped targets are one-to-many; everything else many-to-one.
const (
	RelationshipOneToMany = "one_to_many"
	RelationshipManyToOne = "many_to_one"
)

// Search index entry kinds.
const (
	SearchKindEntity = "entity"
	SearchKindEnum   = "enum"
)

// EntityType is a parsed OData EntityType definition. One row per type per
// sync cycle; the whole set is deleted and recreated on each full resync.
type EntityType struct {
	ID          int64   `db:"id"`
	Name        string  `db:"name"`
	BaseType    *string `db:"base_type"`
	Abstract    bool    `db:"abstract"`
	HasKey      bool    `db:"has_key"`
	Namespace   string  `db:"namespace"`
	Annotations *string `db:"annotations"` // JSON term -> value map
}

// EntitySet is the externally queryable name bound to exactly one EntityType.
type EntitySet struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	EntityTypeID int64  `db:"entity_type_id"`
}

// EntityProperty is a single declared property of an EntityType.
type EntityProperty struct {
	ID              int64   `db:"id"`
	EntityTypeID    int64   `db:"entity_type_id"`
	Name            string  `db:"name"`
	Type            string  `db:"type"`
	Nullable        bool    `db:"nullable"`
	MaxLength       *int64  `db:"max_length"`
	Precision       *int64  `db:"precision"`
	Scale           *int64  `db:"scale"`
	IsKey           bool    `db:"is_key"`
	IsEnum          bool    `db:"is_enum"`
	EnumType        *string `db:"enum_type"`
	Annotations     *string `db:"annotations"`
	OrdinalPosition int     `db:"ordinal_position"`
}

// NavigationProperty is a typed relationship from one entity type to another.
type NavigationProperty struct {
	ID               int64  `db:"id"`
	EntityTypeID     int64  `db:"entity_type_id"`
	Name             string `db:"name"`
	TargetEntityType string `db:"target_entity_type"`
	RelationshipType string `db:"relationship_type"`
	IsCollection     bool   `db:"is_collection"`
	Nullable         bool   `db:"nullable"`
}

// EnumType is a parsed OData EnumType definition.
type EnumType struct {
	ID             int64  `db:"id"`
	Name           string `db:"name"`
	UnderlyingType string `db:"underlying_type"`
	IsFlags        bool   `db:"is_flags"`
	Namespace      string `db:"namespace"`
}

// EnumMember is one member of an EnumType. Value is kept as raw text because
// D365 emits symbolic values for some enums.
type EnumMember struct {
	ID              int64  `db:"id"`
	EnumTypeID      int64  `db:"enum_type_id"`
	Name            string `db:"name"`
	Value           string `db:"value"`
	OrdinalPosition int    `db:"ordinal_position"`
}

// --------------------------------------------------------------------------
// Query engine result types
// --------------------------------------------------------------------------

// EntityMatch is one relevance-scored row returned by entity search.
type EntityMatch struct {
	EntityName    string `json:"entity_name" db:"entity_type_name"`
	EntitySet     string `json:"entity_set" db:"entity_set_name"`
	UseForQueries string `json:"use_for_queries" db:"use_for_queries"`
	Description   string `json:"description" db:"description"`
	Relevance     int    `json:"relevance" db:"relevance"`
}

// Pagination describes where a search result page sits in the full match set.
type Pagination struct {
	TotalMatches  int  `json:"total_matches"`
	ReturnedCount int  `json:"returned_count"`
	Skip          int  `json:"skip"`
	Limit         int  `json:"limit"`
	HasMore       bool `json:"has_more"`
}

// EntitySearchResult is the structured response of SearchEntities.
type EntitySearchResult struct {
	Entities   []EntityMatch `json:"entities"`
	Pagination Pagination    `json:"pagination"`
}

// EnumMatch is one relevance-scored row returned by enum search.
type EnumMatch struct {
	Name      string `json:"name" db:"name"`
	Relevance int    `json:"relevance" db:"relevance"`
}

// EnumSearchResult is the structured response of SearchEnums.
type EnumSearchResult struct {
	Enums      []EnumMatch `json:"enums"`
	Pagination Pagination  `json:"pagination"`
}

// Field is one property of an entity as returned by GetEntityMetadata,
// ordered by declaration order (ordinal position).
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Nullable    bool   `json:"nullable"`
	MaxLength   *int64 `json:"max_length,omitempty"`
	Precision   *int64 `json:"precision,omitempty"`
	Scale       *int64 `json:"scale,omitempty"`
	IsKey       bool   `json:"is_key"`
	IsEnum      bool   `json:"is_enum"`
	EnumName    string `json:"enum_name,omitempty"`
	ODataSyntax string `json:"odata_syntax,omitempty"`
}

// NavigationInfo describes one navigation property in entity metadata.
type NavigationInfo struct {
	TargetEntity     string `json:"target_entity"`
	RelationshipType string `json:"relationship_type"`
	IsCollection     bool   `json:"is_collection"`
	Nullable         bool   `json:"nullable"`
}

// EntityMetadata is the full structured metadata for one entity, looked up by
// either its type name or its set name.
type EntityMetadata struct {
	EntityName           string                    `json:"entity_name"`
	EntitySetName        string                    `json:"entity_set_name"`
	UseForQueries        string                    `json:"use_for_queries"`
	BaseType             string                    `json:"base_type,omitempty"`
	Abstract             bool                      `json:"abstract"`
	HasKey               bool                      `json:"has_key"`
	Fields               []Field                   `json:"fields"`
	KeyFields            []string                  `json:"key_fields"`
	FieldCount           int                       `json:"field_count"`
	NavigationProperties map[string]NavigationInfo `json:"navigation_properties"`
	RelationshipCount    int                       `json:"relationship_count"`
}

// EnumMemberInfo is one member in enum metadata, annotated with the fully
// qualified OData reference syntax for filter expressions.
type EnumMemberInfo struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	ODataSyntax string `json:"odata_syntax"`
}

// EnumMetadata is the full definition of one enum type.
type EnumMetadata struct {
	Name           string           `json:"name"`
	UnderlyingType string           `json:"underlying_type"`
	IsFlags        bool             `json:"is_flags"`
	Namespace      string           `json:"namespace"`
	MemberCount    int              `json:"member_count"`
	Members        []EnumMemberInfo `json:"members"`
}

// EnumFieldRef points an entity field at its enum type.
type EnumFieldRef struct {
	EnumName    string `json:"enum_name"`
	ODataSyntax string `json:"odata_syntax"`
}

// EntitySummary is one row of the full entity listing.
type EntitySummary struct {
	EntityName    string `json:"entity_name" db:"entity_type_name"`
	EntitySet     string `json:"entity_set" db:"entity_set_name"`
	UseForQueries string `json:"use_for_queries" db:"use_for_queries"`
	Description   string `json:"description" db:"description"`
}
