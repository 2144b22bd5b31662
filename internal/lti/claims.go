package lti

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ClaimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink  = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimToolPlatform  = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimCustom        = "https://purl.imsglobal.org/spec/lti/claim/custom"

	MessageTypeResourceLink     = "LtiResourceLinkRequest"
	MessageTypeDeepLinking      = "LtiDeepLinkingRequest"
	MessageTypeSubmissionReview = "LtiSubmissionReviewRequest"

	Version13 = "1.3.0"
)

// Role URIs (LIS v2 vocabulary).
const (
	RoleAdministrator     = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"
	RoleInstructor        = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"
	RoleLearner           = "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"
	RoleTeachingAssistant = "http://purl.imsglobal.org/vocab/lis/v2/membership/Instructor#TeachingAssistant"
	RoleContentDeveloper  = "http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper"
	RoleMentor            = "http://purl.imsglobal.org/vocab/lis/v2/membership#Mentor"
	RoleMember            = "http://purl.imsglobal.org/vocab/lis/v2/membership#Member"
)

type ContextClaim struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

type ResourceLinkClaim struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type ToolPlatformClaim struct {
	GUID              string `json:"guid,omitempty"`
	Name              string `json:"name,omitempty"`
	ProductFamilyCode string `json:"product_family_code,omitempty"`
	Version           string `json:"version,omitempty"`
}

// IDTokenClaims is the payload of an LTI 1.3 launch id_token.
type IDTokenClaims struct {
	jwt.RegisteredClaims

	AuthorizedParty string `json:"azp,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	Name            string `json:"name,omitempty"`
	GivenName       string `json:"given_name,omitempty"`
	FamilyName      string `json:"family_name,omitempty"`
	Email           string `json:"email,omitempty"`

	MessageType   string             `json:"https://purl.imsglobal.org/spec/lti/claim/message_type,omitempty"`
	Version       string             `json:"https://purl.imsglobal.org/spec/lti/claim/version,omitempty"`
	DeploymentID  string             `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id,omitempty"`
	TargetLinkURI string             `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`
	Roles         []string           `json:"https://purl.imsglobal.org/spec/lti/claim/roles,omitempty"`
	Context       *ContextClaim      `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	ResourceLink  *ResourceLinkClaim `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	ToolPlatform  *ToolPlatformClaim `json:"https://purl.imsglobal.org/spec/lti/claim/tool_platform,omitempty"`
	Custom        map[string]any     `json:"https://purl.imsglobal.org/spec/lti/claim/custom,omitempty"`
}

// HasRole reports whether roles contains role. role may be a full URI or the
// short name after '#' ("Instructor").
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role || roleName(r) == role {
			return true
		}
	}
	return false
}

// IsInstructor is true for instructors, teaching assistants and administrators.
func IsInstructor(roles []string) bool {
	return HasRole(roles, RoleInstructor) ||
		HasRole(roles, RoleTeachingAssistant) ||
		HasRole(roles, RoleAdministrator)
}

func IsLearner(roles []string) bool {
	return HasRole(roles, RoleLearner)
}

func roleName(uri string) string {
	if i := strings.LastIndexByte(uri, '#'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}
