package llm

import (
	"fmt"
	"strings"
)

// intentAnalysisPrompt steers the model toward a strict JSON classification
// of the user's message.
const intentAnalysisPrompt = `You are an AI assistant specialized in understanding user intents for a Totara LMS (Learning Management System) database.
Analyze the user's message and determine:
1. What information they are seeking
2. What database tables might be involved
3. Whether this requires SQL query generation

Respond with ONLY a JSON object in this exact shape:
{
    "intent": "description of what the user wants",
    "requires_sql": true,
    "tables_involved": ["table1", "table2"],
    "complexity": "simple|medium|complex",
    "query_type": "user_info|course_info|enrollment|completion|general_stats|other"
}`

// queryGenerationPrompt builds the system prompt for the SQL generation
// role. Only the provided schema may be referenced.
func queryGenerationPrompt(schemaInfo, intent, userMessage string) string {
	return fmt.Sprintf(`You are an expert SQL query generator for a Totara LMS database.
Generate ONLY safe SELECT queries based on the user's intent and the schema provided.

RULES:
- Only SELECT statements allowed
- Reference only tables and columns from the schema below
- Use proper JOINs for related data
- Include appropriate WHERE clauses
- Add ORDER BY and LIMIT for performance
- Respond with the SQL statement and nothing else

Database Schema:
%s

User Intent: %s
User Message: %s

Generate a single, safe SQL query:`, schemaInfo, intent, userMessage)
}

// responseSynthesisPrompt builds the system prompt for the final
// conversational answer.
func responseSynthesisPrompt(userMessage, query, queryData string, knownFacts []string) string {
	if query == "" {
		query = "No SQL query used"
	}
	if queryData == "" {
		queryData = "No data retrieved"
	}
	facts := "None"
	if len(knownFacts) > 0 {
		facts = "- " + strings.Join(knownFacts, "\n- ")
	}
	return fmt.Sprintf(`You are a friendly, knowledgeable university chatbot assistant.
Create a conversational response based on the query results and context.

Context:
- User Message: %s
- SQL Query Used: %s
- Data Retrieved: %s
- Known Facts:
%s

Create a natural, helpful response that:
1. Directly answers the user's question
2. Explains the data in an easy-to-understand way
3. Offers relevant follow-up suggestions
4. Maintains a friendly, professional tone

Response:`, userMessage, query, queryData, facts)
}
