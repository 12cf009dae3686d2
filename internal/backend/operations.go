package backend

const sessionFields = `
    token
    status
    startedAt
    expiresAt
    consentAcceptedAt
    language
    globalTimer
    globalDurationSeconds
    defaultQuestionSeconds
    voiceResponseEnabled
    candidateName
    jobTitle
    answeredQuestionIds
    consent { id title body }
    questions { id position prompt timeLimitSeconds }`

const (
	OpFetchSession = "InterviewSession"
	OpStart        = "StartInterviewSession"
	OpConsent      = "AcceptInterviewConsent"
	OpSaveAnswer   = "SaveInterviewAnswer"
	OpComplete     = "CompleteInterviewSession"
	OpVoice        = "ReportVoiceSupport"
)

var queries = map[string]string{
	OpFetchSession: `query InterviewSession($token: String!) {
  interviewSession(token: $token) {` + sessionFields + `
  }
}`,
	OpStart: `mutation StartInterviewSession($token: String!) {
  startInterviewSession(token: $token) { ok }
}`,
	OpConsent: `mutation AcceptInterviewConsent($token: String!) {
  acceptInterviewConsent(token: $token) { ok }
}`,
	OpSaveAnswer: `mutation SaveInterviewAnswer($input: SaveInterviewAnswerInput!) {
  saveInterviewAnswer(input: $input) { ok }
}`,
	OpComplete: `mutation CompleteInterviewSession($token: String!) {
  completeInterviewSession(token: $token) { ok }
}`,
	OpVoice: `mutation ReportVoiceSupport($token: String!, $supported: Boolean!) {
  reportVoiceSupport(token: $token, supported: $supported) { ok }
}`,
}

// Query returns the GraphQL document for an operation name.
func Query(operation string) string {
	return queries[operation]
}

// SaveAnswerInput is the upsert payload for one answer.
type SaveAnswerInput struct {
	Token      string  `json:"token"`
	QuestionID string  `json:"questionId"`
	Text       string  `json:"text"`
	VideoRef   *string `json:"videoRef"`
}
