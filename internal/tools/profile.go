package tools

import (
	"context"
	"encoding/json"
	"strings"
)

var getUserProfileDef = Definition{
	Name:        "get_user_profile",
	Description: "Get the user's profile: name, timezone, language and saved notes.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
}

var updateUserProfileDef = Definition{
	Name:        "update_user_profile",
	Description: "Update the user's name, timezone or language. Timezones may be given as a city, an abbreviation such as EST, a UTC offset or an IANA name.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"first_name": {"type": "string", "maxLength": 100},
			"last_name": {"type": "string", "maxLength": 100},
			"timezone": {"type": "string", "maxLength": 64},
			"language": {"type": "string", "maxLength": 16}
		},
		"additionalProperties": false,
		"minProperties": 1
	}`),
}

var saveUserNotesDef = Definition{
	Name:        "save_user_notes",
	Description: "Save free-text notes about the user, such as allergies or preferences.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"notes": {"type": "string", "minLength": 1, "maxLength": 2000},
			"append": {"type": "boolean", "description": "Add to the existing notes instead of replacing them."}
		},
		"required": ["notes"],
		"additionalProperties": false
	}`),
}

var detectUserTimezoneDef = Definition{
	Name:        "detect_user_timezone",
	Description: "Find a timezone mentioned in the user's text and optionally save it to their profile.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"save": {"type": "boolean"}
		},
		"required": ["text"],
		"additionalProperties": false
	}`),
}

var suggestTimezoneDef = Definition{
	Name:        "suggest_timezone_from_language",
	Description: "Suggest a likely timezone from a language tag such as en-GB. Defaults to the language of the user's Telegram client. Always confirm the suggestion with the user.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"language": {"type": "string", "maxLength": 16}
		},
		"additionalProperties": false
	}`),
}

type profileView struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Language string `json:"language,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

func (k *Toolkit) getUserProfile(ctx context.Context, _ json.RawMessage) (Result, error) {
	u, err := k.user(ctx)
	if err != nil {
		return Result{}, err
	}
	return jsonResult(profileView{
		UserID:   u.UserID,
		Name:     u.DisplayName(),
		Timezone: u.Timezone,
		Language: u.Language,
		Notes:    u.Notes,
	})
}

func (k *Toolkit) updateUserProfile(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		Timezone  *string `json:"timezone"`
		Language  *string `json:"language"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}

	u, err := k.user(ctx)
	if err != nil {
		return Result{}, err
	}
	if args.Timezone != nil {
		tz, ok := NormalizeTimezone(*args.Timezone)
		if !ok {
			return errorResult("Unrecognised timezone %q. Ask the user for their city or UTC offset.", *args.Timezone), nil
		}
		u.Timezone = tz
	}
	if args.FirstName != nil {
		u.FirstName = strings.TrimSpace(*args.FirstName)
	}
	if args.LastName != nil {
		u.LastName = strings.TrimSpace(*args.LastName)
	}
	if args.Language != nil {
		u.Language = strings.TrimSpace(*args.Language)
	}
	u.UpdatedAt = k.now()
	if err := k.Users.UpsertUser(ctx, u); err != nil {
		return Result{}, err
	}
	return jsonResult(map[string]any{"updated": true, "profile": profileView{
		UserID: u.UserID, Name: u.DisplayName(), Timezone: u.Timezone, Language: u.Language, Notes: u.Notes,
	}})
}

func (k *Toolkit) saveUserNotes(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		Notes  string `json:"notes"`
		Append bool   `json:"append"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	u, err := k.user(ctx)
	if err != nil {
		return Result{}, err
	}
	notes := strings.TrimSpace(args.Notes)
	if args.Append && u.Notes != "" {
		notes = u.Notes + "\n" + notes
	}
	u.Notes = notes
	u.UpdatedAt = k.now()
	if err := k.Users.UpsertUser(ctx, u); err != nil {
		return Result{}, err
	}
	return jsonResult(map[string]any{"saved": true, "notes": u.Notes})
}

func (k *Toolkit) detectUserTimezone(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		Text string `json:"text"`
		Save bool   `json:"save"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	tz, ok := DetectTimezone(args.Text)
	if !ok {
		return jsonResult(map[string]any{"found": false})
	}
	if args.Save {
		u, err := k.user(ctx)
		if err != nil {
			return Result{}, err
		}
		u.Timezone = tz
		u.UpdatedAt = k.now()
		if err := k.Users.UpsertUser(ctx, u); err != nil {
			return Result{}, err
		}
	}
	return jsonResult(map[string]any{"found": true, "timezone": tz, "saved": args.Save})
}

func (k *Toolkit) suggestTimezoneFromLanguage(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args struct {
		Language string `json:"language"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	lang := args.Language
	if lang == "" {
		u, err := k.user(ctx)
		if err != nil {
			return Result{}, err
		}
		lang = u.Language
	}
	if lang == "" {
		return errorResult("No language known for this user. Ask for their city instead."), nil
	}
	tz, ok := SuggestTimezoneFromLanguage(lang)
	if !ok {
		return jsonResult(map[string]any{"language": lang, "found": false})
	}
	return jsonResult(map[string]any{"language": lang, "found": true, "suggested_timezone": tz})
}
