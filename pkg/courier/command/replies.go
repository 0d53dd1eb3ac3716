package command

import (
	"context"
	"strings"
)

func defaultHandlers() map[Intent]HandlerFunc {
	return map[Intent]HandlerFunc{
		IntentGreeting:       textReply("أهلاً وسهلاً! Hello! Send \"help\" to see what I can do."),
		IntentHelp:           helpReply,
		IntentReport:         textReply("Your report is being prepared and will be sent shortly."),
		IntentInvoices:       textReply("Your latest invoices will be sent shortly."),
		IntentBalance:        textReply("Your current balance will be sent shortly."),
		IntentCustomers:      textReply("The customer summary will be sent shortly."),
		IntentLookupIdentity: lookupReply,
	}
}

func textReply(text string) HandlerFunc {
	return func(ctx context.Context, req Request) (Response, error) {
		return Response{Text: text}, nil
	}
}

func helpReply(ctx context.Context, req Request) (Response, error) {
	lines := []string{
		"Available commands:",
		"• report / تقرير",
		"• invoices / فواتير",
		"• balance / رصيد",
		"• customers / عملاء",
		"• a phone number to look up a contact",
	}
	return Response{Text: strings.Join(lines, "\n")}, nil
}

func lookupReply(ctx context.Context, req Request) (Response, error) {
	phone := Digits(req.Text)
	return Response{
		Text: "Looking up " + phone + "…",
		Data: map[string]string{"phone": phone},
	}, nil
}
