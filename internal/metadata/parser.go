// Package metadata owns the ingestion side of the cache: the bulk parser
// that turns one D365 $metadata document into normalized rows, and the
// background syncer that keeps the cache fresh.
package metadata

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dyngate/dyngate/internal/model"
)

// DefaultBatchSize is how many rows accumulate before a bulk insert runs.
// A full F&O environment emits hundreds of thousands of property rows, so
// batching dominates parse throughput.
const DefaultBatchSize = 1000

// enumTypeMarkers identify enum-typed properties by substring match on the
// raw type string, e.g. "Microsoft.Dynamics.DataEntities.NoYes".
var enumTypeMarkers = [2]string{"Microsoft.Dynamics", "Enum"}

// Parser converts one OData $metadata document into the normalized metadata
// tables, inside a single transaction. It is not safe for concurrent use;
// the syncer guarantees one parse at a time.
type Parser struct {
	db        *sqlx.DB
	logger    *slog.Logger
	batchSize int
}

// NewParser returns a parser writing through db. batchSize <= 0 selects
// DefaultBatchSize.
func NewParser(db *sqlx.DB, logger *slog.Logger, batchSize int) *Parser {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Parser{db: db, logger: logger, batchSize: batchSize}
}

// ----------------------------------------------------------------------------
// Document shape
// ----------------------------------------------------------------------------

type edmxDocument struct {
	XMLName      xml.Name `xml:"Edmx"`
	DataServices struct {
		Schemas []edmxSchema `xml:"Schema"`
	} `xml:"DataServices"`
}

type edmxSchema struct {
	Namespace   string           `xml:"Namespace,attr"`
	EntityTypes []edmxEntityType `xml:"EntityType"`
	EnumTypes   []edmxEnumType   `xml:"EnumType"`
	Containers  []edmxContainer  `xml:"EntityContainer"`
}

type edmxEntityType struct {
	Name     string `xml:"Name,attr"`
	BaseType string `xml:"BaseType,attr"`
	Abstract string `xml:"Abstract,attr"`
	Key      struct {
		PropertyRefs []struct {
			Name string `xml:"Name,attr"`
		} `xml:"PropertyRef"`
	} `xml:"Key"`
	Properties           []edmxProperty    `xml:"Property"`
	NavigationProperties []edmxNavProperty `xml:"NavigationProperty"`
	Annotations          []edmxAnnotation  `xml:"Annotation"`
}

type edmxProperty struct {
	Name        string           `xml:"Name,attr"`
	Type        string           `xml:"Type,attr"`
	Nullable    string           `xml:"Nullable,attr"`
	MaxLength   string           `xml:"MaxLength,attr"`
	Precision   string           `xml:"Precision,attr"`
	Scale       string           `xml:"Scale,attr"`
	Annotations []edmxAnnotation `xml:"Annotation"`
}

type edmxNavProperty struct {
	Name     string `xml:"Name,attr"`
	Type     string `xml:"Type,attr"`
	Nullable string `xml:"Nullable,attr"`
}

type edmxEnumType struct {
	Name           string `xml:"Name,attr"`
	UnderlyingType string `xml:"UnderlyingType,attr"`
	IsFlags        string `xml:"IsFlags,attr"`
	Members        []struct {
		Name  string `xml:"Name,attr"`
		Value string `xml:"Value,attr"`
	} `xml:"Member"`
}

type edmxContainer struct {
	Name       string `xml:"Name,attr"`
	EntitySets []struct {
		Name       string `xml:"Name,attr"`
		EntityType string `xml:"EntityType,attr"`
	} `xml:"EntitySet"`
}

// edmxAnnotation captures the simple typed-value annotation forms. Complex
// and collection-valued annotations are dropped; only the first present
// typed attribute (string, then bool, then int) is kept per term.
type edmxAnnotation struct {
	Term   string `xml:"Term,attr"`
	String string `xml:"String,attr"`
	Bool   string `xml:"Bool,attr"`
	Int    string `xml:"Int,attr"`
}

// ----------------------------------------------------------------------------
// Parse pipeline
// ----------------------------------------------------------------------------

// ParseAndStore parses document and loads it into the metadata tables in one
// transaction: any failure at any phase rolls back everything, leaving the
// previously committed cache intact. Returns statistics on success.
func (p *Parser) ParseAndStore(ctx context.Context, document []byte, sourceInstance string) (*model.SyncStatistics, error) {
	started := time.Now()

	var doc edmxDocument
	if err := xml.Unmarshal(document, &doc); err != nil {
		return nil, fmt.Errorf("decoding metadata document: %w", err)
	}

	stats := &model.SyncStatistics{
		DocumentBytes:  int64(len(document)),
		PhaseDurations: make(map[string]time.Duration, 8),
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning bulk load transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		entityIDs map[string]int64
		setTypes  map[string]string // set name -> entity type name
		enumIDs   map[string]int64
	)

	phases := []struct {
		name string
		run  func() error
	}{
		{"entity_types", func() (err error) {
			entityIDs, err = p.loadEntityTypes(ctx, tx, &doc, stats)
			return
		}},
		{"entity_sets", func() (err error) {
			setTypes, err = p.loadEntitySets(ctx, tx, &doc, entityIDs, stats)
			return
		}},
		{"properties", func() error {
			return p.loadProperties(ctx, tx, &doc, entityIDs, stats)
		}},
		{"navigation_properties", func() error {
			return p.loadNavigationProperties(ctx, tx, &doc, entityIDs, stats)
		}},
		{"enum_types", func() (err error) {
			enumIDs, err = p.loadEnumTypes(ctx, tx, &doc, stats)
			return
		}},
		{"enum_members", func() error {
			return p.loadEnumMembers(ctx, tx, &doc, enumIDs, stats)
		}},
		{"search_index", func() error {
			return p.rebuildSearchIndex(ctx, tx, setTypes, enumIDs, stats)
		}},
	}

	for _, phase := range phases {
		phaseStart := time.Now()
		if err := phase.run(); err != nil {
			return nil, fmt.Errorf("phase %s: %w", phase.name, err)
		}
		stats.PhaseDurations[phase.name] = time.Since(phaseStart)
	}

	stats.Duration = time.Since(started)

	// Phase 8: the success record commits atomically with the data it
	// describes.
	rec := &model.SyncRecord{
		StartedAt:      started.UTC(),
		CompletedAt:    time.Now().UTC(),
		Success:        true,
		EntityCount:    stats.EntityTypes,
		EnumCount:      stats.EnumTypes,
		DocumentBytes:  stats.DocumentBytes,
		DurationMS:     stats.Duration.Milliseconds(),
		SourceInstance: sourceInstance,
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO sync_records
			(started_at, completed_at, success, error, entity_count, enum_count, document_bytes, duration_ms, source_instance)
		VALUES
			(:started_at, :completed_at, :success, :error, :entity_count, :enum_count, :document_bytes, :duration_ms, :source_instance)`,
		rec); err != nil {
		return nil, fmt.Errorf("recording sync result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing bulk load: %w", err)
	}

	p.logger.Info("metadata parse complete",
		"entity_types", stats.EntityTypes,
		"entity_sets", stats.EntitySets,
		"properties", stats.Properties,
		"navigation_properties", stats.NavigationProperties,
		"enum_types", stats.EnumTypes,
		"enum_members", stats.EnumMembers,
		"document_bytes", stats.DocumentBytes,
		"duration", stats.Duration,
		"records_per_sec", int(stats.RecordsPerSecond()))

	return stats, nil
}

// ----------------------------------------------------------------------------
// Phase 1: entity types
// ----------------------------------------------------------------------------

type entityTypeRow struct {
	Name        string
	BaseType    *string
	Abstract    bool
	HasKey      bool
	Annotations *string
}

func (p *Parser) loadEntityTypes(ctx context.Context, tx *sqlx.Tx, doc *edmxDocument, stats *model.SyncStatistics) (map[string]int64, error) {
	ids := make(map[string]int64)
	batch := make([]entityTypeRow, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.flushEntityTypes(ctx, tx, batch, ids); err != nil {
			return err
		}
		stats.EntityTypes += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, schema := range doc.DataServices.Schemas {
		for _, et := range schema.EntityTypes {
			if et.Name == "" {
				p.logger.Warn("skipping unnamed entity type")
				continue
			}
			row := entityTypeRow{
				Name:     et.Name,
				Abstract: et.Abstract == "true",
				HasKey:   len(et.Key.PropertyRefs) > 0,
			}
			if et.BaseType != "" {
				base := shortName(et.BaseType)
				row.BaseType = &base
			}
			if ann := flattenAnnotations(et.Annotations); ann != nil {
				row.Annotations = ann
			}
			batch = append(batch, row)
			if len(batch) >= p.batchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ids, nil
}

// flushEntityTypes bulk-inserts one batch and records the assigned surrogate
// ids. SQLite hands back only the last id of a multi-VALUES insert; the rest
// of the batch occupies the contiguous range below it. If the id is not
// available, fall back to a point lookup per name.
func (p *Parser) flushEntityTypes(ctx context.Context, tx *sqlx.Tx, batch []entityTypeRow, ids map[string]int64) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO entity_types (name, base_type, abstract, has_key, namespace, annotations) VALUES `)
	args := make([]any, 0, len(batch)*6)
	for i, row := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, row.Name, row.BaseType, row.Abstract, row.HasKey, model.DataEntityNamespace, row.Annotations)
	}

	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("inserting entity types: %w", err)
	}

	lastID, err := res.LastInsertId()
	if err != nil {
		return p.mapIDsByName(ctx, tx, "entity_types", batch, ids)
	}
	firstID := lastID - int64(len(batch)) + 1
	for i, row := range batch {
		ids[row.Name] = firstID + int64(i)
	}
	return nil
}

// mapIDsByName is the slow path: one SELECT per batch row.
func (p *Parser) mapIDsByName(ctx context.Context, tx *sqlx.Tx, table string, batch []entityTypeRow, ids map[string]int64) error {
	for _, row := range batch {
		var id int64
		if err := tx.GetContext(ctx, &id, "SELECT id FROM "+table+" WHERE name = ?", row.Name); err != nil {
			return fmt.Errorf("resolving id for %q: %w", row.Name, err)
		}
		ids[row.Name] = id
	}
	return nil
}

// ----------------------------------------------------------------------------
// Phase 2: entity sets
// ----------------------------------------------------------------------------

func (p *Parser) loadEntitySets(ctx context.Context, tx *sqlx.Tx, doc *edmxDocument, entityIDs map[string]int64, stats *model.SyncStatistics) (map[string]string, error) {
	setTypes := make(map[string]string)

	type setRow struct {
		Name         string
		EntityTypeID int64
	}
	batch := make([]setRow, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString(`INSERT INTO entity_sets (name, entity_type_id) VALUES `)
		args := make([]any, 0, len(batch)*2)
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?)")
			args = append(args, row.Name, row.EntityTypeID)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("inserting entity sets: %w", err)
		}
		stats.EntitySets += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, schema := range doc.DataServices.Schemas {
		for _, container := range schema.Containers {
			for _, set := range container.EntitySets {
				if set.Name == "" {
					p.logger.Warn("skipping unnamed entity set")
					continue
				}
				typeName := shortName(set.EntityType)
				typeID, ok := entityIDs[typeName]
				if !ok {
					p.logger.Warn("entity set references unknown type",
						"set", set.Name, "type", typeName)
					continue
				}
				setTypes[set.Name] = typeName
				batch = append(batch, setRow{Name: set.Name, EntityTypeID: typeID})
				if len(batch) >= p.batchSize {
					if err := flush(); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return setTypes, nil
}

// ----------------------------------------------------------------------------
// Phase 3: properties
// ----------------------------------------------------------------------------

type propertyRow struct {
	EntityTypeID int64
	Name         string
	Type         string
	Nullable     bool
	MaxLength    *int64
	Precision    *int64
	Scale        *int64
	IsKey        bool
	IsEnum       bool
	EnumType     *string
	Annotations  *string
	Ordinal      int
}

func (p *Parser) loadProperties(ctx context.Context, tx *sqlx.Tx, doc *edmxDocument, entityIDs map[string]int64, stats *model.SyncStatistics) error {
	batch := make([]propertyRow, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString(`INSERT INTO entity_properties
			(entity_type_id, name, type, nullable, max_length, precision, scale, is_key, is_enum, enum_type, annotations, ordinal_position) VALUES `)
		args := make([]any, 0, len(batch)*12)
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				row.EntityTypeID, row.Name, row.Type, row.Nullable,
				row.MaxLength, row.Precision, row.Scale,
				row.IsKey, row.IsEnum, row.EnumType, row.Annotations, row.Ordinal)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("inserting properties: %w", err)
		}
		stats.Properties += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, schema := range doc.DataServices.Schemas {
		for _, et := range schema.EntityTypes {
			typeID, ok := entityIDs[et.Name]
			if !ok {
				continue
			}
			keyFields := make(map[string]bool, len(et.Key.PropertyRefs))
			for _, ref := range et.Key.PropertyRefs {
				keyFields[ref.Name] = true
			}
			ordinal := 0
			for _, prop := range et.Properties {
				if prop.Name == "" {
					p.logger.Warn("skipping unnamed property", "entity", et.Name)
					continue
				}
				row := propertyRow{
					EntityTypeID: typeID,
					Name:         prop.Name,
					Type:         prop.Type,
					Nullable:     prop.Nullable != "false",
					MaxLength:    digitsOnly(prop.MaxLength),
					Precision:    digitsOnly(prop.Precision),
					Scale:        digitsOnly(prop.Scale),
					IsKey:        keyFields[prop.Name],
					Ordinal:      ordinal,
				}
				if isEnumType(prop.Type) {
					row.IsEnum = true
					enum := shortName(prop.Type)
					row.EnumType = &enum
				}
				if ann := flattenAnnotations(prop.Annotations); ann != nil {
					row.Annotations = ann
				}
				batch = append(batch, row)
				ordinal++
				if len(batch) >= p.batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
	}
	return flush()
}

// ----------------------------------------------------------------------------
// Phase 4: navigation properties
// ----------------------------------------------------------------------------

func (p *Parser) loadNavigationProperties(ctx context.Context, tx *sqlx.Tx, doc *edmxDocument, entityIDs map[string]int64, stats *model.SyncStatistics) error {
	type navRow struct {
		EntityTypeID int64
		Name         string
		Target       string
		Relationship string
		IsCollection bool
		Nullable     bool
	}
	batch := make([]navRow, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString(`INSERT INTO navigation_properties
			(entity_type_id, name, target_entity_type, relationship_type, is_collection, nullable) VALUES `)
		args := make([]any, 0, len(batch)*6)
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?)")
			args = append(args, row.EntityTypeID, row.Name, row.Target, row.Relationship, row.IsCollection, row.Nullable)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("inserting navigation properties: %w", err)
		}
		stats.NavigationProperties += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, schema := range doc.DataServices.Schemas {
		for _, et := range schema.EntityTypes {
			typeID, ok := entityIDs[et.Name]
			if !ok {
				continue
			}
			for _, nav := range et.NavigationProperties {
				if nav.Name == "" {
					p.logger.Warn("skipping unnamed navigation property", "entity", et.Name)
					continue
				}
				target, isCollection := navigationTarget(nav.Type)
				relationship := model.RelationshipManyToOne
				if isCollection {
					relationship = model.RelationshipOneToMany
				}
				batch = append(batch, navRow{
					EntityTypeID: typeID,
					Name:         nav.Name,
					Target:       target,
					Relationship: relationship,
					IsCollection: isCollection,
					Nullable:     nav.Nullable != "false",
				})
				if len(batch) >= p.batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
	}
	return flush()
}

// ----------------------------------------------------------------------------
// Phase 5: enum types
// ----------------------------------------------------------------------------

func (p *Parser) loadEnumTypes(ctx context.Context, tx *sqlx.Tx, doc *edmxDocument, stats *model.SyncStatistics) (map[string]int64, error) {
	type enumRow struct {
		Name           string
		UnderlyingType string
		IsFlags        bool
	}
	ids := make(map[string]int64)
	batch := make([]enumRow, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString(`INSERT INTO enum_types (name, underlying_type, is_flags, namespace) VALUES `)
		args := make([]any, 0, len(batch)*4)
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?)")
			args = append(args, row.Name, row.UnderlyingType, row.IsFlags, model.DataEntityNamespace)
		}
		res, err := tx.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return fmt.Errorf("inserting enum types: %w", err)
		}
		if lastID, err := res.LastInsertId(); err == nil {
			firstID := lastID - int64(len(batch)) + 1
			for i, row := range batch {
				ids[row.Name] = firstID + int64(i)
			}
		} else {
			for _, row := range batch {
				var id int64
				if err := tx.GetContext(ctx, &id, `SELECT id FROM enum_types WHERE name = ?`, row.Name); err != nil {
					return fmt.Errorf("resolving id for enum %q: %w", row.Name, err)
				}
				ids[row.Name] = id
			}
		}
		stats.EnumTypes += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, schema := range doc.DataServices.Schemas {
		for _, et := range schema.EnumTypes {
			if et.Name == "" {
				p.logger.Warn("skipping unnamed enum type")
				continue
			}
			row := enumRow{
				Name:           et.Name,
				UnderlyingType: et.UnderlyingType,
				IsFlags:        et.IsFlags == "true",
			}
			if row.UnderlyingType == "" {
				row.UnderlyingType = "Edm.Int32"
			}
			batch = append(batch, row)
			if len(batch) >= p.batchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ----------------------------------------------------------------------------
// Phase 6: enum members
// ----------------------------------------------------------------------------

func (p *Parser) loadEnumMembers(ctx context.Context, tx *sqlx.Tx, doc *edmxDocument, enumIDs map[string]int64, stats *model.SyncStatistics) error {
	type memberRow struct {
		EnumTypeID int64
		Name       string
		Value      string
		Ordinal    int
	}
	batch := make([]memberRow, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString(`INSERT INTO enum_members (enum_type_id, name, value, ordinal_position) VALUES `)
		args := make([]any, 0, len(batch)*4)
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?)")
			args = append(args, row.EnumTypeID, row.Name, row.Value, row.Ordinal)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("inserting enum members: %w", err)
		}
		stats.EnumMembers += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, schema := range doc.DataServices.Schemas {
		for _, et := range schema.EnumTypes {
			enumID, ok := enumIDs[et.Name]
			if !ok {
				continue
			}
			for ordinal, member := range et.Members {
				if member.Name == "" {
					p.logger.Warn("skipping unnamed enum member", "enum", et.Name)
					continue
				}
				batch = append(batch, memberRow{
					EnumTypeID: enumID,
					Name:       member.Name,
					Value:      member.Value,
					Ordinal:    ordinal,
				})
				if len(batch) >= p.batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
	}
	return flush()
}

// ----------------------------------------------------------------------------
// Phase 7: search index
// ----------------------------------------------------------------------------

// rebuildSearchIndex replaces the denormalized search rows wholesale: one row
// per entity set keyed by the entity type name, one per enum type.
func (p *Parser) rebuildSearchIndex(ctx context.Context, tx *sqlx.Tx, setTypes map[string]string, enumIDs map[string]int64, stats *model.SyncStatistics) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_search`); err != nil {
		return fmt.Errorf("clearing search index: %w", err)
	}

	type searchRow struct {
		Name        string
		Kind        string
		Description string
	}
	batch := make([]searchRow, 0, p.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString(`INSERT OR REPLACE INTO entity_search (name, type, description) VALUES `)
		args := make([]any, 0, len(batch)*3)
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?)")
			args = append(args, row.Name, row.Kind, row.Description)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("inserting search entries: %w", err)
		}
		stats.SearchEntries += len(batch)
		batch = batch[:0]
		return nil
	}

	for setName, typeName := range setTypes {
		batch = append(batch, searchRow{
			Name:        typeName,
			Kind:        model.SearchKindEntity,
			Description: fmt.Sprintf("Data entity %s, queryable as %s", typeName, setName),
		})
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	for enumName := range enumIDs {
		batch = append(batch, searchRow{
			Name:        enumName,
			Kind:        model.SearchKindEnum,
			Description: fmt.Sprintf("Enumeration type %s", enumName),
		})
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// ----------------------------------------------------------------------------
// Attribute helpers
// ----------------------------------------------------------------------------

// shortName strips a Collection(...) wrapper and any namespace prefix,
// leaving the bare type name.
func shortName(typeRef string) string {
	typeRef = strings.TrimPrefix(typeRef, "Collection(")
	typeRef = strings.TrimSuffix(typeRef, ")")
	if i := strings.LastIndex(typeRef, "."); i >= 0 {
		return typeRef[i+1:]
	}
	return typeRef
}

// navigationTarget resolves a navigation property's type string to a short
// target name and whether it is collection-valued.
func navigationTarget(typeRef string) (name string, isCollection bool) {
	isCollection = strings.HasPrefix(typeRef, "Collection(")
	return shortName(typeRef), isCollection
}

func isEnumType(typeRef string) bool {
	return strings.Contains(typeRef, enumTypeMarkers[0]) && strings.Contains(typeRef, enumTypeMarkers[1])
}

// digitsOnly coerces a numeric facet attribute, returning nil unless the
// value is non-empty and all digits. D365 emits "max" for some MaxLength
// facets; those stay null.
func digitsOnly(s string) *int64 {
	if s == "" {
		return nil
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil
		}
		n = n*10 + int64(c-'0')
	}
	return &n
}

// flattenAnnotations reduces annotation elements to a JSON term->value map,
// keeping the first typed attribute present per term. Returns nil when
// nothing usable was found.
func flattenAnnotations(annotations []edmxAnnotation) *string {
	if len(annotations) == 0 {
		return nil
	}
	flat := make(map[string]any, len(annotations))
	for _, a := range annotations {
		if a.Term == "" {
			continue
		}
		switch {
		case a.String != "":
			flat[a.Term] = a.String
		case a.Bool != "":
			flat[a.Term] = a.Bool == "true"
		case a.Int != "":
			if n := digitsOnly(a.Int); n != nil {
				flat[a.Term] = *n
			}
		}
	}
	if len(flat) == 0 {
		return nil
	}
	buf, err := json.Marshal(flat)
	if err != nil {
		return nil
	}
	s := string(buf)
	return &s
}
