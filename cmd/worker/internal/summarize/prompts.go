package summarize

import "fmt"

func mapPrompt(chunk string, index, total int) string {
	return fmt.Sprintf(`You are summarizing part %d of %d of a meeting transcript.
Each line is "Speaker [HH:MM:SS]: text".

%s

Summarize this part in a few sentences. Keep decisions, open questions and owners.
Summary:`, index+1, total, chunk)
}

func reducePrompt(material string, minChars, maxChars int) string {
	return fmt.Sprintf(`You are an expert meeting analyst. Write one unified summary of the meeting below.
Use the past tense, structure it as topic, discussion and outcome, and keep it between %d and %d characters.
Do not invent facts.

%s

Unified summary:`, minChars, maxChars, material)
}

func keyPointsPrompt(summary string, limit int) string {
	return fmt.Sprintf(`From this meeting summary, list at most %d key points, one per line, each starting with "- ".

%s

Key points:`, limit, summary)
}

func actionItemsPrompt(summary string, limit int) string {
	return fmt.Sprintf(`From this meeting summary, list at most %d action items, one per line, each starting with "- ".
Use the form "owner: task" when an owner is named. Reply with nothing if there are none.

%s

Action items:`, limit, summary)
}

func topicsPrompt(summary string, limit int) string {
	return fmt.Sprintf(`List at most %d short topic labels for this meeting, one per line, each starting with "- ".

%s

Topics:`, limit, summary)
}

func sentimentPrompt(summary string) string {
	return fmt.Sprintf(`Classify the overall tone of this meeting as one word: positive, neutral, negative or mixed.

%s

Tone:`, summary)
}
