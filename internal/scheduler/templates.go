package scheduler

import "math/rand"

// Warmup traffic should look like ordinary correspondence, so subjects and
// bodies are drawn from a small pool of innocuous messages.
type warmupTemplate struct {
	Subject string
	Text    string
}

var warmupTemplates = []warmupTemplate{
	{
		Subject: "Quick check-in",
		Text:    "Hi,\n\nJust checking in to see how things are going on your end. Let me know if there is anything I can help with.\n\nBest,\n",
	},
	{
		Subject: "Following up on last week",
		Text:    "Hello,\n\nWanted to follow up on our conversation from last week. Did you get a chance to look things over?\n\nThanks,\n",
	},
	{
		Subject: "Notes from today",
		Text:    "Hi,\n\nSharing a few quick notes from today. Nothing urgent, just keeping you in the loop.\n\nCheers,\n",
	},
	{
		Subject: "Schedule for next week",
		Text:    "Hello,\n\nHere is a rough schedule for next week. Happy to move things around if something does not work for you.\n\nBest,\n",
	},
	{
		Subject: "Thanks for your time",
		Text:    "Hi,\n\nThanks for taking the time earlier. It was good to catch up. Talk soon.\n\nRegards,\n",
	},
	{
		Subject: "A quick question",
		Text:    "Hello,\n\nOne quick question when you have a minute: is Thursday still good for you?\n\nThanks,\n",
	},
	{
		Subject: "Re: project update",
		Text:    "Hi,\n\nGood progress this week. I will send over the details tomorrow morning.\n\nBest,\n",
	},
	{
		Subject: "Small update",
		Text:    "Hello,\n\nSmall update from my side. Everything is on track so far. More soon.\n\nCheers,\n",
	},
}

func pickTemplate(rng *rand.Rand) warmupTemplate {
	return warmupTemplates[rng.Intn(len(warmupTemplates))]
}
