package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/dyngate/dyngate/internal/model"
)

// ----------------------------------------------------------------------------
// Entity search
// ----------------------------------------------------------------------------

// Relevance tiers for name matching. Exact beats prefix beats substring;
// ties break alphabetically so results are stable across syncs.
const (
	relevanceExact     = 100
	relevancePrefix    = 50
	relevanceSubstring = 25
)

// Search scores against both the set name and the type name; either matching
// at a tier puts the entity in that tier. Ties break by ascending set name.
const entitySearchSQL = `
	SELECT entity_type_name, entity_set_name, use_for_queries, description, relevance
	FROM (
		SELECT
			et.name AS entity_type_name,
			COALESCE(es.name, et.name) AS entity_set_name,
			COALESCE(es.name, et.name) AS use_for_queries,
			COALESCE(si.description, '') AS description,
			CASE
				WHEN LOWER(et.name) = ? OR LOWER(COALESCE(es.name, '')) = ? THEN 100
				WHEN LOWER(et.name) LIKE ? ESCAPE '\' OR LOWER(COALESCE(es.name, '')) LIKE ? ESCAPE '\' THEN 50
				WHEN LOWER(et.name) LIKE ? ESCAPE '\' OR LOWER(COALESCE(es.name, '')) LIKE ? ESCAPE '\' THEN 25
				ELSE 0
			END AS relevance
		FROM entity_types et
		LEFT JOIN entity_sets es ON es.entity_type_id = et.id
		LEFT JOIN entity_search si ON si.name = et.name AND si.type = 'entity'
	)
	WHERE relevance > 0
	ORDER BY relevance DESC, entity_set_name ASC
	LIMIT ? OFFSET ?`

const entitySearchCountSQL = `
	SELECT COUNT(*)
	FROM entity_types et
	LEFT JOIN entity_sets es ON es.entity_type_id = et.id
	WHERE LOWER(et.name) LIKE ? ESCAPE '\' OR LOWER(COALESCE(es.name, '')) LIKE ? ESCAPE '\'`

// SearchEntities finds entities whose type name matches pattern, scored by
// match quality (exact > prefix > substring) and paginated.
func (s *Store) SearchEntities(ctx context.Context, pattern string, limit, skip int) (*model.EntitySearchResult, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if limit <= 0 {
		limit = 20
	}
	if skip < 0 {
		skip = 0
	}

	prefix := escapeLike(p) + "%"
	substring := "%" + escapeLike(p) + "%"

	var matches []model.EntityMatch
	err := s.db.SelectContext(ctx, &matches, entitySearchSQL,
		p, p, prefix, prefix, substring, substring, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("searching entities: %w", err)
	}

	// The substring predicate subsumes the exact and prefix tiers, so one
	// pattern suffices for the total.
	var total int
	if err := s.db.GetContext(ctx, &total, entitySearchCountSQL, substring, substring); err != nil {
		return nil, fmt.Errorf("counting entity matches: %w", err)
	}

	if matches == nil {
		matches = []model.EntityMatch{}
	}
	return &model.EntitySearchResult{
		Entities: matches,
		Pagination: model.Pagination{
			TotalMatches:  total,
			ReturnedCount: len(matches),
			Skip:          skip,
			Limit:         limit,
			HasMore:       skip+len(matches) < total,
		},
	}, nil
}

// ListEntities returns every known entity with its queryable set name,
// alphabetically by type name.
func (s *Store) ListEntities(ctx context.Context) ([]model.EntitySummary, error) {
	var rows []model.EntitySummary
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			et.name AS entity_type_name,
			COALESCE(es.name, et.name) AS entity_set_name,
			COALESCE(es.name, et.name) AS use_for_queries,
			COALESCE(si.description, '') AS description
		FROM entity_types et
		LEFT JOIN entity_sets es ON es.entity_type_id = et.id
		LEFT JOIN entity_search si ON si.name = et.name AND si.type = 'entity'
		ORDER BY et.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	if rows == nil {
		rows = []model.EntitySummary{}
	}
	return rows, nil
}

// CountEntityTypes reports how many entity types are cached. Zero means the
// cache is cold and a sync is required before queries are useful.
func (s *Store) CountEntityTypes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM entity_types`); err != nil {
		return 0, fmt.Errorf("counting entity types: %w", err)
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Entity metadata
// ----------------------------------------------------------------------------

type entityTypeRow struct {
	ID       int64          `db:"id"`
	Name     string         `db:"name"`
	BaseType sql.NullString `db:"base_type"`
	Abstract bool           `db:"abstract"`
	HasKey   bool           `db:"has_key"`
	SetName  sql.NullString `db:"set_name"`
}

type propertyRow struct {
	Name      string         `db:"name"`
	Type      string         `db:"type"`
	Nullable  bool           `db:"nullable"`
	MaxLength sql.NullInt64  `db:"max_length"`
	Precision sql.NullInt64  `db:"precision"`
	Scale     sql.NullInt64  `db:"scale"`
	IsKey     bool           `db:"is_key"`
	IsEnum    bool           `db:"is_enum"`
	EnumType  sql.NullString `db:"enum_type"`
}

type navigationRow struct {
	Name             string `db:"name"`
	TargetEntityType string `db:"target_entity_type"`
	RelationshipType string `db:"relationship_type"`
	IsCollection     bool   `db:"is_collection"`
	Nullable         bool   `db:"nullable"`
}

// GetEntityMetadata looks up one entity by its type name or its set name and
// assembles the full field and relationship picture. Returns ErrNotFound when
// neither name matches.
func (s *Store) GetEntityMetadata(ctx context.Context, nameOrSet string) (*model.EntityMetadata, error) {
	var et entityTypeRow
	err := s.db.GetContext(ctx, &et, `
		SELECT et.id, et.name, et.base_type, et.abstract, et.has_key, es.name AS set_name
		FROM entity_types et
		LEFT JOIN entity_sets es ON es.entity_type_id = et.id
		WHERE et.name = ? OR es.name = ?
		LIMIT 1`, nameOrSet, nameOrSet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up entity %q: %w", nameOrSet, err)
	}

	var props []propertyRow
	err = s.db.SelectContext(ctx, &props, `
		SELECT name, type, nullable, max_length, precision, scale, is_key, is_enum, enum_type
		FROM entity_properties
		WHERE entity_type_id = ?
		ORDER BY ordinal_position ASC, name ASC`, et.ID)
	if err != nil {
		return nil, fmt.Errorf("loading properties for %q: %w", et.Name, err)
	}

	var navs []navigationRow
	err = s.db.SelectContext(ctx, &navs, `
		SELECT name, target_entity_type, relationship_type, is_collection, nullable
		FROM navigation_properties
		WHERE entity_type_id = ?
		ORDER BY name ASC`, et.ID)
	if err != nil {
		return nil, fmt.Errorf("loading navigation properties for %q: %w", et.Name, err)
	}

	meta := &model.EntityMetadata{
		EntityName:           et.Name,
		EntitySetName:        et.Name,
		UseForQueries:        et.Name,
		BaseType:             et.BaseType.String,
		Abstract:             et.Abstract,
		HasKey:               et.HasKey,
		Fields:               make([]model.Field, 0, len(props)),
		KeyFields:            []string{},
		NavigationProperties: make(map[string]model.NavigationInfo, len(navs)),
	}
	if et.SetName.Valid {
		meta.EntitySetName = et.SetName.String
		meta.UseForQueries = et.SetName.String
	}

	for _, p := range props {
		f := model.Field{
			Name:     p.Name,
			Type:     p.Type,
			Nullable: p.Nullable,
			IsKey:    p.IsKey,
			IsEnum:   p.IsEnum,
		}
		if p.MaxLength.Valid {
			v := p.MaxLength.Int64
			f.MaxLength = &v
		}
		if p.Precision.Valid {
			v := p.Precision.Int64
			f.Precision = &v
		}
		if p.Scale.Valid {
			v := p.Scale.Int64
			f.Scale = &v
		}
		if p.IsEnum && p.EnumType.Valid {
			f.EnumName = p.EnumType.String
			f.ODataSyntax = enumODataSyntax(p.EnumType.String, "<Member>")
		}
		if p.IsKey {
			meta.KeyFields = append(meta.KeyFields, p.Name)
		}
		meta.Fields = append(meta.Fields, f)
	}
	meta.FieldCount = len(meta.Fields)

	for _, n := range navs {
		meta.NavigationProperties[n.Name] = model.NavigationInfo{
			TargetEntity:     n.TargetEntityType,
			RelationshipType: n.RelationshipType,
			IsCollection:     n.IsCollection,
			Nullable:         n.Nullable,
		}
	}
	meta.RelationshipCount = len(meta.NavigationProperties)

	return meta, nil
}

// GetEntityEnumFields returns the enum-typed fields of one entity, keyed by
// field name. Returns ErrNotFound when the entity does not exist.
func (s *Store) GetEntityEnumFields(ctx context.Context, nameOrSet string) (map[string]model.EnumFieldRef, error) {
	var entityTypeID int64
	err := s.db.GetContext(ctx, &entityTypeID, `
		SELECT et.id
		FROM entity_types et
		LEFT JOIN entity_sets es ON es.entity_type_id = et.id
		WHERE et.name = ? OR es.name = ?
		LIMIT 1`, nameOrSet, nameOrSet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up entity %q: %w", nameOrSet, err)
	}

	var rows []struct {
		Name     string `db:"name"`
		EnumType string `db:"enum_type"`
	}
	err = s.db.SelectContext(ctx, &rows, `
		SELECT name, enum_type
		FROM entity_properties
		WHERE entity_type_id = ? AND is_enum = 1 AND enum_type IS NOT NULL
		ORDER BY ordinal_position ASC`, entityTypeID)
	if err != nil {
		return nil, fmt.Errorf("loading enum fields for %q: %w", nameOrSet, err)
	}

	fields := make(map[string]model.EnumFieldRef, len(rows))
	for _, r := range rows {
		fields[r.Name] = model.EnumFieldRef{
			EnumName:    r.EnumType,
			ODataSyntax: enumODataSyntax(r.EnumType, "<Member>"),
		}
	}
	return fields, nil
}

// ----------------------------------------------------------------------------
// Enum search and metadata
// ----------------------------------------------------------------------------

const enumSearchSQL = `
	SELECT name, relevance
	FROM (
		SELECT
			name,
			CASE
				WHEN LOWER(name) = ? THEN 100
				WHEN LOWER(name) LIKE ? ESCAPE '\' THEN 50
				WHEN LOWER(name) LIKE ? ESCAPE '\' THEN 25
				ELSE 0
			END AS relevance
		FROM enum_types
	)
	WHERE relevance > 0
	ORDER BY relevance DESC, name ASC
	LIMIT ? OFFSET ?`

// SearchEnums finds enum types by name, scored like entity search.
func (s *Store) SearchEnums(ctx context.Context, pattern string, limit, skip int) (*model.EnumSearchResult, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if limit <= 0 {
		limit = 20
	}
	if skip < 0 {
		skip = 0
	}

	prefix := escapeLike(p) + "%"
	substring := "%" + escapeLike(p) + "%"

	var matches []model.EnumMatch
	err := s.db.SelectContext(ctx, &matches, enumSearchSQL,
		p, prefix, substring, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("searching enums: %w", err)
	}

	var total int
	err = s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM enum_types WHERE LOWER(name) LIKE ? ESCAPE '\'`, substring)
	if err != nil {
		return nil, fmt.Errorf("counting enum matches: %w", err)
	}

	if matches == nil {
		matches = []model.EnumMatch{}
	}
	return &model.EnumSearchResult{
		Enums: matches,
		Pagination: model.Pagination{
			TotalMatches:  total,
			ReturnedCount: len(matches),
			Skip:          skip,
			Limit:         limit,
			HasMore:       skip+len(matches) < total,
		},
	}, nil
}

// GetEnumMetadata returns the full definition of one enum, members in
// declaration order, each annotated with the OData filter syntax.
func (s *Store) GetEnumMetadata(ctx context.Context, name string) (*model.EnumMetadata, error) {
	var et struct {
		ID             int64  `db:"id"`
		Name           string `db:"name"`
		UnderlyingType string `db:"underlying_type"`
		IsFlags        bool   `db:"is_flags"`
		Namespace      string `db:"namespace"`
	}
	err := s.db.GetContext(ctx, &et,
		`SELECT id, name, underlying_type, is_flags, namespace FROM enum_types WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up enum %q: %w", name, err)
	}

	var members []struct {
		Name  string `db:"name"`
		Value string `db:"value"`
	}
	err = s.db.SelectContext(ctx, &members, `
		SELECT name, value FROM enum_members
		WHERE enum_type_id = ?
		ORDER BY ordinal_position ASC, name ASC`, et.ID)
	if err != nil {
		return nil, fmt.Errorf("loading members for enum %q: %w", name, err)
	}

	meta := &model.EnumMetadata{
		Name:           et.Name,
		UnderlyingType: et.UnderlyingType,
		IsFlags:        et.IsFlags,
		Namespace:      et.Namespace,
		MemberCount:    len(members),
		Members:        make([]model.EnumMemberInfo, 0, len(members)),
	}
	for _, m := range members {
		meta.Members = append(meta.Members, model.EnumMemberInfo{
			Name:        m.Name,
			Value:       m.Value,
			ODataSyntax: enumODataSyntax(et.Name, m.Name),
		})
	}
	return meta, nil
}

// enumODataSyntax renders the fully qualified member reference D365 expects
// in $filter expressions, e.g. Microsoft.Dynamics.DataEntities.NoYes'Yes'.
func enumODataSyntax(enumName, member string) string {
	return fmt.Sprintf("%s.%s'%s'", model.DataEntityNamespace, enumName, member)
}

// escapeLike protects user-supplied patterns from being interpreted as LIKE
// wildcards. D365 entity names legitimately contain underscores, so they are
// escaped rather than stripped; the queries above declare ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// ----------------------------------------------------------------------------
// Bulk maintenance
// ----------------------------------------------------------------------------

// ClearMetadata deletes every cached metadata row in dependency order, in one
// transaction. Sync history and instructions are preserved.
func (s *Store) ClearMetadata(ctx context.Context) error {
	tables := []string{
		"entity_search",
		"enum_members",
		"navigation_properties",
		"entity_properties",
		"entity_sets",
		"enum_types",
		"entity_types",
	}
	return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("clearing %s: %w", t, err)
			}
		}
		return nil
	})
}
