package tools

import "encoding/json"

// 常用动作的内置参数定义；网关未提供 schema 时使用。
var standardSchemas = map[string]Tool{
	"send_email": {
		Name:        "send_email",
		Description: "Send an email to a recipient.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"to":{"type":"string","description":"Recipient email address"},
			"subject":{"type":"string","description":"Email subject"},
			"body":{"type":"string","description":"Email body"},
			"from":{"type":"string","description":"Sender email address"}},
			"required":["to","subject","body"]}`),
	},
	"check_calendar": {
		Name:        "check_calendar",
		Description: "Check calendar availability between two dates.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"start_date":{"type":"string","description":"Start date, ISO 8601"},
			"end_date":{"type":"string","description":"End date, ISO 8601"}},
			"required":["start_date","end_date"]}`),
	},
	"schedule_event": {
		Name:        "schedule_event",
		Description: "Schedule a calendar event.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"title":{"type":"string","description":"Event title"},
			"start_time":{"type":"string","description":"Start time, ISO 8601"},
			"end_time":{"type":"string","description":"End time, ISO 8601"},
			"description":{"type":"string","description":"Event description"}},
			"required":["title","start_time","end_time"]}`),
	},
	"create_crm_note": {
		Name:        "create_crm_note",
		Description: "Attach a note to a client record in the CRM.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"client_id":{"type":"string","description":"Client identifier"},
			"note":{"type":"string","description":"Note content"},
			"category":{"type":"string","description":"Note category"}},
			"required":["client_id","note"]}`),
	},
	"create_ticket": {
		Name:        "create_ticket",
		Description: "Create a property management ticket.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"title":{"type":"string","description":"Ticket title"},
			"description":{"type":"string","description":"Ticket description"},
			"priority":{"type":"string","enum":["low","medium","high"],"description":"Ticket priority"}},
			"required":["title","description"]}`),
	},
	"trigger_webhook": {
		Name:        "trigger_webhook",
		Description: "Trigger an automation webhook with a JSON payload.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"webhook_url":{"type":"string","description":"Webhook URL"},
			"payload":{"type":"object","description":"JSON payload"}},
			"required":["webhook_url","payload"]}`),
	},
}

// withStandardSchema 为缺少 schema 或描述的标准动作补全定义。
func withStandardSchema(t Tool) Tool {
	std, ok := standardSchemas[t.Name]
	if !ok {
		return t
	}
	if len(t.Parameters) == 0 || string(t.Parameters) == "null" {
		t.Parameters = std.Parameters
	}
	if t.Description == "" {
		t.Description = std.Description
	}
	return t
}
