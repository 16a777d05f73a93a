package config

import "strings"

const defaultTimezone = "America/Sao_Paulo"

// ConnectorOptions are the per-connector behavior switches.
// Fields that default to true are pointers so an absent key can be told
// apart from an explicit false.
type ConnectorOptions struct {
	OpenRoom                      *bool          `mapstructure:"open_room" yaml:"open_room,omitempty"`
	CheckRoomOpen                 bool           `mapstructure:"check_room_open" yaml:"check_room_open,omitempty"`
	IgnoreVisitorsToken           string         `mapstructure:"ignore_visitors_token" yaml:"ignore_visitors_token,omitempty"`
	Timezone                      string         `mapstructure:"timezone" yaml:"timezone,omitempty"`
	ForceCloseMessage             string         `mapstructure:"force_close_message" yaml:"force_close_message,omitempty"`
	IgnoreTokenForceCloseMessage  string         `mapstructure:"ignore_token_force_close_message" yaml:"ignore_token_force_close_message,omitempty"`
	AttachmentDescriptionAsText   *bool          `mapstructure:"outcome_attachment_description_as_new_message" yaml:"outcome_attachment_description_as_new_message,omitempty"`
	AddAgentNameAtCloseMessage    bool           `mapstructure:"add_agent_name_at_close_message" yaml:"add_agent_name_at_close_message,omitempty"`
	SupressAgentName              string         `mapstructure:"supress_agent_name" yaml:"supress_agent_name,omitempty"`
	OverwriteCustomFields         *bool          `mapstructure:"overwrite_custom_fields" yaml:"overwrite_custom_fields,omitempty"`
	SupressVisitorName            bool           `mapstructure:"supress_visitor_name" yaml:"supress_visitor_name,omitempty"`
	AlertAgentOfAutomatedMessages bool           `mapstructure:"alert_agent_of_automated_message_sent" yaml:"alert_agent_of_automated_message_sent,omitempty"`
	AutoAnswerIncomingCall        string         `mapstructure:"auto_answer_incoming_call" yaml:"auto_answer_incoming_call,omitempty"`
	ConvertIncomingCallToText     string         `mapstructure:"convert_incoming_call_to_text" yaml:"convert_incoming_call_to_text,omitempty"`
	AutoAnswerOnAudioMessage      string         `mapstructure:"auto_answer_on_audio_message" yaml:"auto_answer_on_audio_message,omitempty"`
	ConvertIncomingAudioToText    string         `mapstructure:"convert_incoming_audio_to_text" yaml:"convert_incoming_audio_to_text,omitempty"`
	WelcomeMessage                string         `mapstructure:"welcome_message" yaml:"welcome_message,omitempty"`
	WelcomeVCard                  map[string]any `mapstructure:"welcome_vcard" yaml:"welcome_vcard,omitempty"`
	SessionTakenAlertTemplate     string         `mapstructure:"session_taken_alert_template" yaml:"session_taken_alert_template,omitempty"`
	SessionTakenIgnoreDepartments string         `mapstructure:"session_taken_alert_ignore_departments" yaml:"session_taken_alert_ignore_departments,omitempty"`
	NoAgentOnlineAlertAdmin       string         `mapstructure:"no_agent_online_alert_admin" yaml:"no_agent_online_alert_admin,omitempty"`
	NoAgentOnlineAutoanswer       string         `mapstructure:"no_agent_online_autoanswer_visitor" yaml:"no_agent_online_autoanswer_visitor,omitempty"`
	IdentityPlaceholder           string         `mapstructure:"identity_placeholder" yaml:"identity_placeholder,omitempty"`
}

// RoomsEnabled reports whether livechat rooms may be created at all.
func (o ConnectorOptions) RoomsEnabled() bool {
	return boolOr(o.OpenRoom, true)
}

// DescriptionAsMessage reports whether file descriptions are relayed as a separate text.
func (o ConnectorOptions) DescriptionAsMessage() bool {
	return boolOr(o.AttachmentDescriptionAsText, true)
}

// OverwritesCustomFields reports the overwrite flag sent with visitor custom fields.
func (o ConnectorOptions) OverwritesCustomFields() bool {
	return boolOr(o.OverwriteCustomFields, true)
}

// Location returns the configured timezone name.
func (o ConnectorOptions) Location() string {
	if o.Timezone != "" {
		return o.Timezone
	}
	return defaultTimezone
}

// IgnoresVisitor reports whether the token is on the ignore list.
func (o ConnectorOptions) IgnoresVisitor(token string) bool {
	return inList(o.IgnoreVisitorsToken, token)
}

// SkipsCloseMessage reports whether closing messages are never sent to the token.
func (o ConnectorOptions) SkipsCloseMessage(token string) bool {
	return inList(o.IgnoreTokenForceCloseMessage, token)
}

// SuppressesAgent reports whether the agent's name is hidden from visitors.
func (o ConnectorOptions) SuppressesAgent(username string) bool {
	if strings.TrimSpace(o.SupressAgentName) == "*" {
		return true
	}
	return inList(o.SupressAgentName, username)
}

// IgnoresDepartmentForTakenAlert reports whether a department is exempt from the session-taken alert.
func (o ConnectorOptions) IgnoresDepartmentForTakenAlert(department string) bool {
	return inList(o.SessionTakenIgnoreDepartments, department)
}

// HasWelcomeVCard reports whether a non-empty welcome vcard is configured.
func (o ConnectorOptions) HasWelcomeVCard() bool {
	return len(o.WelcomeVCard) > 0
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func inList(csv, value string) bool {
	if csv == "" || value == "" {
		return false
	}
	for _, item := range strings.Split(csv, ",") {
		if strings.TrimSpace(item) == value {
			return true
		}
	}
	return false
}
