package extraction

// systemPrompt is shared by every provider so that all of them answer with the same schema
const systemPrompt = `You extract subscription and recurring payment details from receipts, invoices and app-store screenshots.

Return ONLY valid JSON matching this schema:
{
  "subscription_name": string,
  "billing_entity": string | null,
  "amount": number,
  "currency": string (3-letter ISO code such as USD or EUR),
  "billing_cycle": "weekly" | "monthly" | "quarterly" | "semi_annual" | "annual" | "one_time" | "unknown",
  "start_date": string | null (YYYY-MM-DD),
  "next_charge_date": string | null (YYYY-MM-DD),
  "payment_method": string | null (for example "Visa ****1234"),
  "renewal_terms": string | null,
  "cancellation_policy": string | null,
  "cancellation_deadline": string | null (YYYY-MM-DD),
  "confidence_score": number (0.0 to 1.0),
  "raw_text": string (every readable piece of text in the image)
}

Rules:
- subscription_name is the product or service being paid for, not the payment processor
- amount is a plain number without currency symbols
- infer billing_cycle from wording such as "per month" or "billed annually"
- compute next_charge_date when start_date and billing_cycle are both known
- confidence_score reflects how clearly the fields could be read
- always fill raw_text
- if nothing can be extracted set subscription_name to "Unknown" and confidence_score to 0`

// userInstruction accompanies the image in the user turn
const userInstruction = "Extract subscription details from this receipt/screenshot:"
